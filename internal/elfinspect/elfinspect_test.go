package elfinspect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mklibs-go/mklibs/internal/toolchain"
)

func fakeInspector(t *testing.T, responses map[string]string) (*Inspector, string) {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "hello")
	if err := os.WriteFile(target, []byte("fake elf"), 0o644); err != nil {
		t.Fatal(err)
	}
	tc := toolchain.New("", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if len(args) == 0 {
			t.Fatalf("unexpected call with no args")
		}
		flag := args[0]
		resp, ok := responses[flag]
		if !ok {
			t.Fatalf("unexpected flag %q", flag)
		}
		return []byte(resp), nil
	})
	return New(tc), target
}

func TestHeader(t *testing.T) {
	insp, path := fakeInspector(t, map[string]string{
		"--print-elf-header": "2 1 62 0\n",
	})
	h, err := insp.Header(context.Background(), path)
	if err != nil {
		t.Fatalf("Header() error = %v", err)
	}
	want := Header{Class: 2, Data: 1, Machine: 62, Flags: 0}
	if h != want {
		t.Errorf("Header() = %+v, want %+v", h, want)
	}
}

func TestNeeded(t *testing.T) {
	insp, path := fakeInspector(t, map[string]string{
		"--print-needed": "libc.so.6\nlibfoo.so.1\n",
	})
	got, err := insp.Needed(context.Background(), path)
	if err != nil {
		t.Fatalf("Needed() error = %v", err)
	}
	want := []string{"libc.so.6", "libfoo.so.1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Needed() = %v, want %v", got, want)
	}
}

func TestUndefined(t *testing.T) {
	insp, path := fakeInspector(t, map[string]string{
		"--print-symbols-undefined": "printf False GLIBC_2.2.5\n__gmon_start__ True \n",
	})
	got, err := insp.Undefined(context.Background(), path)
	if err != nil {
		t.Fatalf("Undefined() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d symbols, want 2", len(got))
	}
	if got[0].Name != "printf" || got[0].Weak || got[0].Version != "GLIBC_2.2.5" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Name != "__gmon_start__" || !got[1].Weak {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestDefined(t *testing.T) {
	insp, path := fakeInspector(t, map[string]string{
		"--print-symbols-provided": "printf False GLIBC_2.2.5 True\n",
	})
	got, err := insp.Defined(context.Background(), path)
	if err != nil {
		t.Fatalf("Defined() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d symbols, want 1", len(got))
	}
	if got[0].Name != "printf" || got[0].Version != "GLIBC_2.2.5" || !got[0].DefaultVersion {
		t.Errorf("got[0] = %+v", got[0])
	}
}

func TestSONAMEEmpty(t *testing.T) {
	insp, path := fakeInspector(t, map[string]string{
		"--print-soname": "",
	})
	got, err := insp.SONAME(context.Background(), path)
	if err != nil {
		t.Fatalf("SONAME() error = %v", err)
	}
	if got != "" {
		t.Errorf("SONAME() = %q, want empty", got)
	}
}

func TestMissingPathIsInspectionError(t *testing.T) {
	tc := toolchain.New("", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatal("executor should not run for a missing path")
		return nil, nil
	})
	insp := New(tc)
	_, err := insp.Header(context.Background(), "/nonexistent/path/to/nothing")
	if err == nil {
		t.Fatal("expected an InspectionError")
	}
	var ierr *Error
	if ie, ok := err.(*Error); ok {
		ierr = ie
	}
	if ierr == nil {
		t.Fatalf("error is not *elfinspect.Error: %v", err)
	}
}
