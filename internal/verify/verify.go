// Package verify implements the optional runtime smoke-check: loading
// a finalized binary and its destination-resolved libraries into a
// CPU emulator and single-stepping from its entry point far enough to
// catch the most obvious "closure looked sound but nothing actually
// runs" failure, without needing real target hardware.
package verify

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/arch/arm64/arm64asm"
)

// ErrUnsupportedMachine is returned for any ELF machine other than
// ARM64 or x86-64, the only two architectures this package emulates.
var ErrUnsupportedMachine = fmt.Errorf("unsupported machine for verification")

// DefaultMaxInsn bounds the single-step walk when the caller doesn't
// override it with --max-insn.
const DefaultMaxInsn = 2000

const (
	pageSize  = 0x1000
	loadBase  = 0x00100000000
	stackBase = 0x00700000000
	stackSize = 0x00000100000
)

// Fault describes the first instruction that could not execute.
type Fault struct {
	Address     uint64
	Instruction string
	Err         error
}

// Result reports how far emulation got.
type Result struct {
	InstructionsExecuted int
	Fault                *Fault
}

// image is one loaded ELF object: its mapped base and entry point.
type image struct {
	path  string
	base  uint64
	entry uint64
}

// Run loads binaryPath and its DT_NEEDED libraries (resolved against
// destDir, the finalized output directory) into a fresh emulator and
// single-steps from the entry point for up to maxInsn instructions (or
// DefaultMaxInsn if maxInsn is 0).
func Run(ctx context.Context, binaryPath, destDir string, maxInsn int) (*Result, error) {
	if maxInsn == 0 {
		maxInsn = DefaultMaxInsn
	}

	f, err := elf.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", binaryPath, err)
	}
	defer f.Close()

	arch, mode, err := archFor(f.Machine)
	if err != nil {
		return nil, err
	}

	emu, err := uc.NewUnicorn(arch, mode)
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	if err := emu.MemMap(stackBase, stackSize); err != nil {
		return nil, fmt.Errorf("map stack: %w", err)
	}
	sp := stackBase + stackSize - pageSize
	if err := setStackPointer(emu, f.Machine, sp); err != nil {
		return nil, err
	}

	next := uint64(loadBase)
	main, err := loadImage(emu, f, binaryPath, &next)
	if err != nil {
		return nil, err
	}

	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return nil, fmt.Errorf("read DT_NEEDED of %s: %w", binaryPath, err)
	}
	for _, lib := range needed {
		libPath := filepath.Join(destDir, lib)
		if _, err := os.Stat(libPath); err != nil {
			continue // not everything DT_NEEDED names has to resolve for a smoke check
		}
		libFile, err := elf.Open(libPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", libPath, err)
		}
		_, err = loadImage(emu, libFile, libPath, &next)
		libFile.Close()
		if err != nil {
			return nil, err
		}
	}

	count := 0
	hook, err := emu.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
		count++
		if count >= maxInsn {
			emu.Stop()
		}
	}, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("install instruction hook: %w", err)
	}
	defer emu.HookDel(hook)

	startErr := emu.Start(main.entry, 0)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if startErr == nil {
		return &Result{InstructionsExecuted: count}, nil
	}

	pc, _ := readPC(emu, f.Machine)
	fault := &Fault{Address: pc, Err: startErr}
	if f.Machine == elf.EM_AARCH64 {
		if code, err := emu.MemRead(pc, 4); err == nil {
			if insn, err := arm64asm.Decode(code); err == nil {
				fault.Instruction = insn.String()
			}
		}
	}
	return &Result{InstructionsExecuted: count, Fault: fault}, nil
}

func archFor(machine elf.Machine) (int, int, error) {
	switch machine {
	case elf.EM_AARCH64:
		return uc.ARCH_ARM64, uc.MODE_ARM, nil
	case elf.EM_X86_64:
		return uc.ARCH_X86, uc.MODE_64, nil
	default:
		return 0, 0, ErrUnsupportedMachine
	}
}

func setStackPointer(emu uc.Unicorn, machine elf.Machine, sp uint64) error {
	switch machine {
	case elf.EM_AARCH64:
		return emu.RegWrite(uc.ARM64_REG_SP, sp)
	case elf.EM_X86_64:
		return emu.RegWrite(uc.X86_REG_RSP, sp)
	default:
		return ErrUnsupportedMachine
	}
}

func readPC(emu uc.Unicorn, machine elf.Machine) (uint64, error) {
	switch machine {
	case elf.EM_AARCH64:
		return emu.RegRead(uc.ARM64_REG_PC)
	case elf.EM_X86_64:
		return emu.RegRead(uc.X86_REG_RIP)
	default:
		return 0, ErrUnsupportedMachine
	}
}

// loadImage maps f's PT_LOAD segments starting at *next, advances
// *next past the mapped range (page-aligned), and returns the loaded
// image's base and relocated entry point.
func loadImage(emu uc.Unicorn, f *elf.File, path string, next *uint64) (image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return image{}, fmt.Errorf("read %s: %w", path, err)
	}

	fileBase := ^uint64(0)
	fileEnd := uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < fileBase {
			fileBase = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > fileEnd {
			fileEnd = end
		}
	}
	if fileBase == ^uint64(0) {
		return image{}, fmt.Errorf("%s has no PT_LOAD segments", path)
	}

	base := alignUp(*next, pageSize)
	reloc := base - fileBase

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		vaddr := p.Vaddr + reloc
		mapAddr := alignDown(vaddr, pageSize)
		mapEnd := alignUp(vaddr+p.Memsz, pageSize)
		if err := emu.MemMap(mapAddr, mapEnd-mapAddr); err != nil {
			return image{}, fmt.Errorf("map segment of %s at 0x%x: %w", path, mapAddr, err)
		}
		if p.Filesz > 0 && p.Off+p.Filesz <= uint64(len(data)) {
			if err := emu.MemWrite(vaddr, data[p.Off:p.Off+p.Filesz]); err != nil {
				return image{}, fmt.Errorf("write segment of %s: %w", path, err)
			}
		}
	}

	*next = alignUp(base+(fileEnd-fileBase), pageSize) + pageSize
	return image{path: path, base: base, entry: f.Entry + reloc}, nil
}

func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
