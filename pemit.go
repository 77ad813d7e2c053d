// pemit.go - PE (Portable Executable) emitter for Windows x86 and x86_64
//
// The pemit package turns a buffer of machine code plus a small manifest of
// sections into a loadable Windows executable image. The build pipeline is:
//
//	Emit -> planLayout -> buildHeaders + writeSections -> fixImage
//
// Each stage consumes the immutable output of the previous one; the only
// in-place mutation is the final checksum/relocation patch. Emit performs no
// file I/O - the caller owns the output path.
package pemit

import (
	"github.com/rs/zerolog"
)

// PE format constants shared by all stages.
const (
	// DOS header (stub)
	dosHeaderSize = 64
	dosStubSize   = 128

	// PE headers
	peSignatureSize      = 4
	coffHeaderSize       = 20
	optionalHeaderSize32 = 224 // PE32 (32-bit)
	optionalHeaderSize64 = 240 // PE32+ (64-bit)
	peSectionHeaderSize  = 40

	// Default memory layout
	defaultImageBase32  = 0x400000    // Standard Windows x86 image base
	defaultImageBase64  = 0x140000000 // Standard Windows x64 image base
	defaultSectionAlign = 0x1000      // 4KB section alignment in memory
	defaultFileAlign    = 0x200       // 512 byte file alignment

	// Section characteristics
	scnMemExecute  = 0x20000000
	scnMemRead     = 0x40000000
	scnMemWrite    = 0x80000000
	scnCntCode     = 0x00000020
	scnCntInitData = 0x00000040
)

// Machine types for the COFF file header.
const (
	MachineI386  uint16 = 0x014C
	MachineAMD64 uint16 = 0x8664
)

// Subsystem selects the Windows subsystem the image runs under.
type Subsystem uint16

const (
	SubsystemGUI     Subsystem = 2 // Graphical UI
	SubsystemConsole Subsystem = 3 // Console (CUI)
)

// SectionKind classifies a section's payload.
type SectionKind int

const (
	SectionCode SectionKind = iota
	SectionData
	SectionImports
)

// CodeBlob is an immutable machine-code buffer, borrowed read-only for the
// duration of one build. Its bytes are expected to be the payload of the
// first Code-kind section; the entry offset is relative to its start.
type CodeBlob []byte

// Fixup marks an absolute address embedded in a section's raw data that was
// computed against ExpectedBase and must be shifted to the actual virtual
// base once layout is final. Offset is relative to the section's raw data.
type Fixup struct {
	Offset       uint32
	ExpectedBase uint64
}

// SectionSpec describes one section requested by the caller. Order matters:
// sections are laid out on disk and in memory in slice order.
type SectionSpec struct {
	Name            string // at most 8 characters
	Kind            SectionKind
	Data            []byte
	Characteristics uint32 // 0 means derive from Kind
	Fixups          []Fixup
}

// characteristics returns the section flags, deriving defaults from Kind.
func (s *SectionSpec) characteristics() uint32 {
	if s.Characteristics != 0 {
		return s.Characteristics
	}
	switch s.Kind {
	case SectionCode:
		return scnCntCode | scnMemExecute | scnMemRead
	case SectionImports:
		return scnCntInitData | scnMemRead
	default:
		return scnCntInitData | scnMemRead | scnMemWrite
	}
}

// BuildConfig holds the global build parameters. Every header field derives
// from here or from the layout; nothing relies on implicit zero defaults, so
// construct one with DefaultConfig32 or DefaultConfig64 and override fields
// explicitly.
type BuildConfig struct {
	Machine          uint16
	Subsystem        Subsystem
	ImageBase        uint64
	FileAlignment    uint32 // must be a power of two
	SectionAlignment uint32 // must be a power of two
	StackReserve     uint64
	StackCommit      uint64
	HeapReserve      uint64
	HeapCommit       uint64
	Logger           zerolog.Logger
}

// DefaultConfig32 returns the standard configuration for a 32-bit console
// executable.
func DefaultConfig32() BuildConfig {
	return BuildConfig{
		Machine:          MachineI386,
		Subsystem:        SubsystemConsole,
		ImageBase:        defaultImageBase32,
		FileAlignment:    defaultFileAlign,
		SectionAlignment: defaultSectionAlign,
		StackReserve:     0x100000,
		StackCommit:      0x1000,
		HeapReserve:      0x100000,
		HeapCommit:       0x1000,
		Logger:           zerolog.Nop(),
	}
}

// DefaultConfig64 returns the standard configuration for a 64-bit console
// executable.
func DefaultConfig64() BuildConfig {
	cfg := DefaultConfig32()
	cfg.Machine = MachineAMD64
	cfg.ImageBase = defaultImageBase64
	return cfg
}

func (c *BuildConfig) is64() bool {
	return c.Machine == MachineAMD64
}

func (c *BuildConfig) optionalHeaderSize() uint32 {
	if c.is64() {
		return optionalHeaderSize64
	}
	return optionalHeaderSize32
}

// Image is the finished executable, returned as an opaque byte sequence.
type Image []byte

// Emit builds a PE image from the given machine code and section manifest.
// It is a pure function of its inputs: identical inputs yield byte-identical
// images, and a failed build never returns a partial image.
func Emit(code CodeBlob, entryOffset uint32, sections []SectionSpec, config BuildConfig) (Image, error) {
	log := config.Logger

	layout, err := planLayout(code, entryOffset, sections, &config)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Int("sections", len(sections)).
		Uint32("size_of_image", layout.SizeOfImage).
		Uint32("entry_rva", layout.EntryRVA).
		Msg("layout planned")

	w := newImageWriter()
	if err := buildHeaders(w, layout, sections, &config); err != nil {
		return nil, err
	}
	log.Debug().Int("bytes", w.Len()).Msg("headers written")

	if err := writeSections(w, layout, sections, &config); err != nil {
		return nil, err
	}
	log.Debug().Int("bytes", w.Len()).Msg("sections written")

	image := w.Bytes()
	if err := fixImage(image, layout, sections, &config); err != nil {
		return nil, err
	}
	log.Debug().Int("size", len(image)).Msg("checksum and fixups patched")

	if err := verifyImage(image, layout, sections); err != nil {
		return nil, err
	}

	return Image(image), nil
}

// verifyImage parses the finished buffer back and checks that the loader-
// visible fields match what the build intended. A mismatch means an internal
// invariant was violated, never a caller error.
func verifyImage(image []byte, layout *Layout, sections []SectionSpec) error {
	r, err := ParseImage(image)
	if err != nil {
		return &ChecksumError{Size: len(image), Err: err}
	}
	if int(r.FileHeader().NumberOfSections) != len(sections) {
		return &ChecksumError{Size: len(image), Err: errSelfCheck}
	}
	if r.EntryRVA() != layout.EntryRVA {
		return &ChecksumError{Size: len(image), Err: errSelfCheck}
	}
	return nil
}

// alignTo aligns a value to the given power-of-two alignment
func alignTo(value, align uint32) uint32 {
	return (value + align - 1) & ^(align - 1)
}

// alignTo64 is alignTo for 64-bit values, used where sums may exceed uint32
func alignTo64(value, align uint64) uint64 {
	return (value + align - 1) & ^(align - 1)
}
