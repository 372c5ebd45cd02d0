package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadEmptyPathReturnsZeroConfig(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if *c != (Config{}) {
		t.Errorf("Load(\"\") = %+v, want zero value", c)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mklibs.yaml")
	contents := "dest_dir: /out\nlib_path:\n  - /opt/lib\ntarget: arm-linux-gnueabi\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.DestDir != "/out" || c.Target != "arm-linux-gnueabi" || len(c.LibPath) != 1 || c.LibPath[0] != "/opt/lib" {
		t.Errorf("Load() = %+v, unexpected values", c)
	}
}

func TestOverlayOnlyAppliesExplicitFlags(t *testing.T) {
	c := &Config{DestDir: "/from-file", Target: "from-file-target"}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("dest-dir", "", "")
	fs.String("target", "", "")
	if err := fs.Parse([]string{"--dest-dir=/from-flag"}); err != nil {
		t.Fatal(err)
	}

	c.Overlay(fs)

	if c.DestDir != "/from-flag" {
		t.Errorf("DestDir = %q, want /from-flag (explicit flag should win)", c.DestDir)
	}
	if c.Target != "from-file-target" {
		t.Errorf("Target = %q, want from-file-target (unset flag should not clobber the file)", c.Target)
	}
}
