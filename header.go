// header.go - DOS stub, COFF file header and optional header construction
package pemit

import (
	"errors"
	"fmt"
)

// Header construction failure reasons, matched with errors.Is.
var (
	ErrUnsupportedMachine   = errors.New("unsupported target machine")
	ErrUnsupportedSubsystem = errors.New("unsupported subsystem")
)

// HeaderError reports a build configuration the header builder cannot target.
type HeaderError struct {
	Err error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("header: %v", e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

// checksumFieldOffset is the file offset of the CheckSum dword. The field
// sits at offset 64 of the optional header in both PE32 and PE32+.
const checksumFieldOffset = dosHeaderSize + dosStubSize + peSignatureSize + coffHeaderSize + 64

// buildHeaders writes the DOS stub, the PE signature, the COFF file header
// and the optional header derived from the computed layout. Every field is
// set deliberately; the checksum is written as zero and patched by fixImage
// once the full buffer exists.
func buildHeaders(w *imageWriter, layout *Layout, sections []SectionSpec, cfg *BuildConfig) error {
	switch cfg.Machine {
	case MachineI386, MachineAMD64:
	default:
		return &HeaderError{Err: fmt.Errorf("machine 0x%04x: %w", cfg.Machine, ErrUnsupportedMachine)}
	}
	switch cfg.Subsystem {
	case SubsystemConsole, SubsystemGUI:
	default:
		return &HeaderError{Err: fmt.Errorf("subsystem %d: %w", cfg.Subsystem, ErrUnsupportedSubsystem)}
	}

	// === DOS Header (64 bytes) ===
	w.writeU16(0x5A4D) // "MZ" signature
	w.writeN(0, 58)    // Zero bytes 2-59
	// At offset 0x3C (60), the PE header offset
	w.writeU32(dosHeaderSize + dosStubSize)

	// === DOS Stub (128 bytes, minimal) ===
	stubMsg := []byte("This program requires Windows.\r\n$")
	w.writeBytes(stubMsg)
	w.writeN(0, dosStubSize-len(stubMsg))

	// === PE Signature ===
	w.writeU32(0x00004550) // "PE\0\0"

	// === COFF File Header (20 bytes) ===
	w.writeU16(cfg.Machine)
	w.writeU16(uint16(len(sections)))
	w.writeU32(0) // TimeDateStamp (0 for reproducibility)
	w.writeU32(0) // Pointer to symbol table (deprecated)
	w.writeU32(0) // Number of symbols (deprecated)
	w.writeU16(uint16(cfg.optionalHeaderSize()))
	characteristics := uint16(0x0102) // EXECUTABLE_IMAGE | 32BIT_MACHINE
	if cfg.is64() {
		characteristics = 0x0022 // EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
	}
	w.writeU16(characteristics)

	// Sums over the planned sections feed the size fields below.
	var sizeOfCode, sizeOfData, baseOfCode, baseOfData uint32
	var importsRVA, importsSize uint32
	for i := range sections {
		sec := &layout.Sections[i]
		switch sections[i].Kind {
		case SectionCode:
			sizeOfCode += sec.RawSize
			if baseOfCode == 0 {
				baseOfCode = sec.RVA
			}
		case SectionImports:
			sizeOfData += sec.RawSize
			if importsRVA == 0 {
				importsRVA = sec.RVA
				importsSize = sec.VirtualSize
			}
			if baseOfData == 0 {
				baseOfData = sec.RVA
			}
		default:
			sizeOfData += sec.RawSize
			if baseOfData == 0 {
				baseOfData = sec.RVA
			}
		}
	}
	if baseOfCode == 0 {
		baseOfCode = cfg.SectionAlignment
	}

	// === Optional Header (PE32 or PE32+) ===
	if cfg.is64() {
		w.writeU16(0x020B) // Magic: PE32+ (64-bit)
	} else {
		w.writeU16(0x010B) // Magic: PE32 (32-bit)
	}
	w.writeU8(1)                // Major linker version
	w.writeU8(0)                // Minor linker version
	w.writeU32(sizeOfCode)      // Size of code
	w.writeU32(sizeOfData)      // Size of initialized data
	w.writeU32(0)               // Size of uninitialized data
	w.writeU32(layout.EntryRVA) // Entry point RVA
	w.writeU32(baseOfCode)      // Base of code

	if cfg.is64() {
		w.writeU64(cfg.ImageBase) // Image base
	} else {
		w.writeU32(baseOfData)            // Base of data (PE32 only)
		w.writeU32(uint32(cfg.ImageBase)) // Image base
	}
	w.writeU32(cfg.SectionAlignment) // Section alignment
	w.writeU32(cfg.FileAlignment)    // File alignment
	w.writeU16(6)                    // Major OS version
	w.writeU16(0)                    // Minor OS version
	w.writeU16(0)                    // Major image version
	w.writeU16(0)                    // Minor image version
	w.writeU16(6)                    // Major subsystem version
	w.writeU16(0)                    // Minor subsystem version
	w.writeU32(0)                    // Win32 version value (reserved)
	w.writeU32(layout.SizeOfImage)   // Size of image
	w.writeU32(layout.SizeOfHeaders) // Size of headers
	w.writeU32(0)                    // Checksum (patched by fixImage)
	w.writeU16(uint16(cfg.Subsystem))
	w.writeU16(0x8100) // DLL characteristics: NX_COMPAT | TERMINAL_SERVER_AWARE

	if cfg.is64() {
		w.writeU64(cfg.StackReserve) // Size of stack reserve
		w.writeU64(cfg.StackCommit)  // Size of stack commit
		w.writeU64(cfg.HeapReserve)  // Size of heap reserve
		w.writeU64(cfg.HeapCommit)   // Size of heap commit
	} else {
		w.writeU32(uint32(cfg.StackReserve))
		w.writeU32(uint32(cfg.StackCommit))
		w.writeU32(uint32(cfg.HeapReserve))
		w.writeU32(uint32(cfg.HeapCommit))
	}
	w.writeU32(0)  // Loader flags
	w.writeU32(16) // Number of data directories

	// Data directories (16 entries, each 8 bytes: RVA + Size). Only the
	// import directory is populated, and only when an Imports section exists.
	for i := 0; i < 16; i++ {
		if i == 1 {
			w.writeU32(importsRVA)
			w.writeU32(importsSize)
		} else {
			w.writeU64(0)
		}
	}

	return nil
}
