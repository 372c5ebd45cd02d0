// Package config loads the settings the closure engine needs from an
// optional YAML file, overlaid by command-line flags, which always
// win on a field-by-field basis.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config mirrors the command-line surface of spec.md §6, plus the
// policy-script and verify extensions.
type Config struct {
	DestDir       string   `yaml:"dest_dir"`
	LibPath       []string `yaml:"lib_path"`
	NoDefaultLib  bool     `yaml:"no_default_lib"`
	ForceLibs     []string `yaml:"force_libs"`
	LDLib         string   `yaml:"ldlib"`
	LibcExtrasDir string   `yaml:"libc_extras_dir"`
	Target        string   `yaml:"target"`
	Root          string   `yaml:"root"`
	PolicyScript  string   `yaml:"policy_script"`
	TUI           bool     `yaml:"tui"`
	MaxInsn       int      `yaml:"max_insn"`
}

// flagBindings pairs each flag name bound in cmd/mklibs with the
// Config field it overrides, so Overlay can tell "set in the file,
// left at its zero value on the command line" apart from "explicitly
// passed on the command line" using pflag.FlagSet.Changed.
var flagBindings = map[string]func(c *Config, fs *pflag.FlagSet){
	"dest-dir":         func(c *Config, fs *pflag.FlagSet) { c.DestDir, _ = fs.GetString("dest-dir") },
	"no-default-lib":   func(c *Config, fs *pflag.FlagSet) { c.NoDefaultLib, _ = fs.GetBool("no-default-lib") },
	"ldlib":            func(c *Config, fs *pflag.FlagSet) { c.LDLib, _ = fs.GetString("ldlib") },
	"libc-extras-dir":  func(c *Config, fs *pflag.FlagSet) { c.LibcExtrasDir, _ = fs.GetString("libc-extras-dir") },
	"target":           func(c *Config, fs *pflag.FlagSet) { c.Target, _ = fs.GetString("target") },
	"root":             func(c *Config, fs *pflag.FlagSet) { c.Root, _ = fs.GetString("root") },
	"policy-script":    func(c *Config, fs *pflag.FlagSet) { c.PolicyScript, _ = fs.GetString("policy-script") },
	"tui":              func(c *Config, fs *pflag.FlagSet) { c.TUI, _ = fs.GetBool("tui") },
	"max-insn":         func(c *Config, fs *pflag.FlagSet) { c.MaxInsn, _ = fs.GetInt("max-insn") },
	"L":                func(c *Config, fs *pflag.FlagSet) { c.LibPath, _ = fs.GetStringSlice("L") },
	"l":                func(c *Config, fs *pflag.FlagSet) { c.ForceLibs, _ = fs.GetStringSlice("l") },
}

// Load reads path (if non-empty) as YAML into a Config, returning a
// zero Config when no file was configured.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// Overlay applies every flag in fs that was explicitly set on the
// command line onto c, so an unset flag never clobbers a value that
// came from the file.
func (c *Config) Overlay(fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := flagBindings[f.Name]; ok {
			apply(c, fs)
		}
	})
}
