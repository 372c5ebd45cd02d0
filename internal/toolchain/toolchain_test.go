package toolchain

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCommandAppliesTargetPrefix(t *testing.T) {
	tc := New("arm-linux-gnueabi", nil)
	if got, want := tc.Command("gcc"), "arm-linux-gnueabi-gcc"; got != want {
		t.Errorf("Command() = %q, want %q", got, want)
	}

	tc2 := New("", nil)
	if got, want := tc2.Command("gcc"), "gcc"; got != want {
		t.Errorf("Command() = %q, want %q", got, want)
	}
}

func TestRunSuccess(t *testing.T) {
	var gotName string
	var gotArgs []string
	tc := New("", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return []byte("ok\n"), nil
	})

	out, err := tc.Run(context.Background(), "objcopy", "--strip-unneeded", "in", "out")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "ok\n" {
		t.Errorf("Run() output = %q", out)
	}
	if gotName != "objcopy" {
		t.Errorf("executor got name %q, want objcopy", gotName)
	}
	if strings.Join(gotArgs, " ") != "--strip-unneeded in out" {
		t.Errorf("executor got args %v", gotArgs)
	}
}

func TestRunFailureWrapsOutput(t *testing.T) {
	tc := New("", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("ld: undefined reference"), errors.New("exit status 1")
	})

	_, err := tc.Run(context.Background(), "gcc", "-shared")
	if err == nil {
		t.Fatal("Run() expected error")
	}
	var fail *Failure
	if !errors.As(err, &fail) {
		t.Fatalf("error is not *Failure: %v", err)
	}
	if !strings.Contains(fail.Output, "undefined reference") {
		t.Errorf("Failure.Output missing captured output: %q", fail.Output)
	}
	if !strings.Contains(fail.Error(), "gcc -shared") {
		t.Errorf("Failure.Error() missing command line: %q", fail.Error())
	}
}
