package verify

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// writeMinimalELF writes a syntactically valid, empty (no program
// headers) 64-bit little-endian ELF file naming the given machine, just
// enough for debug/elf.Open to succeed.
func writeMinimalELF(t *testing.T, path string, machine elf.Machine) {
	t.Helper()
	var hdr [64]byte
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // ELFDATA2LSB
	hdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(hdr[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(hdr[18:], uint16(machine))
	binary.LittleEndian.PutUint32(hdr[20:], 1) // e_version
	binary.LittleEndian.PutUint16(hdr[52:], 64) // e_ehsize
	binary.LittleEndian.PutUint16(hdr[54:], 56) // e_phentsize
	binary.LittleEndian.PutUint16(hdr[58:], 64) // e_shentsize
	if err := os.WriteFile(path, hdr[:], 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunRejectsUnsupportedMachine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog")
	writeMinimalELF(t, path, elf.EM_386)

	_, err := Run(context.Background(), path, dir, 0)
	if err != ErrUnsupportedMachine {
		t.Fatalf("Run() error = %v, want ErrUnsupportedMachine", err)
	}
}

func TestArchForKnownMachines(t *testing.T) {
	if _, _, err := archFor(elf.EM_AARCH64); err != nil {
		t.Errorf("archFor(EM_AARCH64) error = %v", err)
	}
	if _, _, err := archFor(elf.EM_X86_64); err != nil {
		t.Errorf("archFor(EM_X86_64) error = %v", err)
	}
	if _, _, err := archFor(elf.EM_ARM); err != ErrUnsupportedMachine {
		t.Errorf("archFor(EM_ARM) error = %v, want ErrUnsupportedMachine", err)
	}
}

func TestAlignHelpers(t *testing.T) {
	if got := alignUp(0x1001, 0x1000); got != 0x2000 {
		t.Errorf("alignUp(0x1001, 0x1000) = 0x%x, want 0x2000", got)
	}
	if got := alignDown(0x1fff, 0x1000); got != 0x1000 {
		t.Errorf("alignDown(0x1fff, 0x1000) = 0x%x, want 0x1000", got)
	}
	if got := alignUp(0x1000, 0x1000); got != 0x1000 {
		t.Errorf("alignUp(0x1000, 0x1000) = 0x%x, want 0x1000 (already aligned)", got)
	}
}
