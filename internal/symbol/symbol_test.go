package symbol

import (
	"reflect"
	"testing"
)

func TestBaseNames(t *testing.T) {
	cases := []struct {
		name string
		sym  Symbol
		want []string
	}{
		{
			name: "default versioned gets Base alias",
			sym:  Symbol{Name: "printf", Version: "GLIBC_2.2.5", DefaultVersion: true},
			want: []string{"printf@GLIBC_2.2.5", "printf@Base"},
		},
		{
			name: "non-default versioned has no alias",
			sym:  Symbol{Name: "printf", Version: "GLIBC_2.2.5", DefaultVersion: false},
			want: []string{"printf@GLIBC_2.2.5"},
		},
		{
			name: "already Base versioned has no duplicate alias",
			sym:  Symbol{Name: "__dso_handle", Version: Base, DefaultVersion: true},
			want: []string{"__dso_handle@Base"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.sym.BaseNames()
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("BaseNames() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestLinkerName(t *testing.T) {
	cases := []struct {
		sym  Symbol
		want string
	}{
		{Symbol{Name: "printf", Version: "GLIBC_2.2.5", DefaultVersion: true}, "printf"},
		{Symbol{Name: "printf", Version: "GLIBC_2.2.5", DefaultVersion: false}, "printf@GLIBC_2.2.5"},
		{Symbol{Name: "__dso_handle", Version: Base, DefaultVersion: true}, "__dso_handle"},
	}
	for _, c := range cases {
		if got := c.sym.LinkerName(); got != c.want {
			t.Errorf("LinkerName() = %q, want %q", got, c.want)
		}
	}
}

func TestProviderMapLibcTieBreak(t *testing.T) {
	pm := NewProviderMap()
	s := Symbol{Name: "memcpy", Version: "GLIBC_2.2.5", DefaultVersion: true}

	pm.Register("libfoo-test.so.6", s)
	changed := pm.Register("libc-test.so.6", s)

	lib, ok := pm.Provider("memcpy@GLIBC_2.2.5")
	if !ok || lib != "libc-test.so.6" {
		t.Fatalf("provider = %q, %v; want libc-test.so.6, true", lib, ok)
	}
	if len(changed) == 0 {
		t.Errorf("expected Register to report the tie-break displacement")
	}
}

func TestProviderMapNonLibcKeepsFirstWriter(t *testing.T) {
	pm := NewProviderMap()
	s := Symbol{Name: "foo", Version: "V1", DefaultVersion: false}

	pm.Register("liba.so.1", s)
	pm.Register("libb.so.1", s)

	lib, _ := pm.Provider("foo@V1")
	if lib != "liba.so.1" {
		t.Errorf("provider = %q, want liba.so.1 (first writer wins among non-libc)", lib)
	}
}

func TestIsLibc(t *testing.T) {
	for _, name := range []string{"libc.so.6", "libc-2.31.so", "libc.so.6.1"} {
		if !IsLibc(name) {
			t.Errorf("IsLibc(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"libcrypto.so.1.1", "libfoo.so.1"} {
		if IsLibc(name) {
			t.Errorf("IsLibc(%q) = true, want false", name)
		}
	}
}
