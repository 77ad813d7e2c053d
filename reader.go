// reader.go - in-memory PE parser for round-trip verification
package pemit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Reader parses a PE image from memory. It backs the assembler's final
// self-check and lets tests verify emitted images without an external tool.
type Reader struct {
	data     []byte
	peOffset uint32
	coffHdr  COFFHeader
	is64     bool
	optHdr32 OptionalHeader32
	optHdr64 OptionalHeader64
	sections []SectionHeader
}

// COFFHeader represents the COFF file header
type COFFHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// OptionalHeader32 represents the PE32 optional header
type OptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [16]DataDirectory
}

// OptionalHeader64 represents the PE32+ optional header
type OptionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [16]DataDirectory
}

// DataDirectory represents a data directory entry
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// SectionHeader represents a PE section header
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// ParseImage parses a PE image held in memory.
func ParseImage(data []byte) (*Reader, error) {
	r := &Reader{data: data}

	if err := r.readDOSHeader(); err != nil {
		return nil, err
	}
	if err := r.readPEHeaders(); err != nil {
		return nil, err
	}
	if err := r.readSections(); err != nil {
		return nil, err
	}

	return r, nil
}

// readDOSHeader checks the MZ magic and reads the PE header offset at 0x3C.
func (r *Reader) readDOSHeader() error {
	if len(r.data) < 0x40 {
		return fmt.Errorf("image too small for a DOS header: %d bytes", len(r.data))
	}

	magic := binary.LittleEndian.Uint16(r.data)
	if magic != 0x5A4D { // "MZ"
		return fmt.Errorf("invalid DOS magic: 0x%04x (expected 0x5A4D)", magic)
	}

	r.peOffset = binary.LittleEndian.Uint32(r.data[0x3C:])
	return nil
}

// readPEHeaders reads the PE signature, COFF header and optional header.
func (r *Reader) readPEHeaders() error {
	br := bytes.NewReader(r.data)
	if _, err := br.Seek(int64(r.peOffset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to PE signature: %v", err)
	}

	var peSig uint32
	if err := binary.Read(br, binary.LittleEndian, &peSig); err != nil {
		return fmt.Errorf("failed to read PE signature: %v", err)
	}
	if peSig != 0x00004550 { // "PE\0\0"
		return fmt.Errorf("invalid PE signature: 0x%08x", peSig)
	}

	if err := binary.Read(br, binary.LittleEndian, &r.coffHdr); err != nil {
		return fmt.Errorf("failed to read COFF header: %v", err)
	}

	if r.coffHdr.SizeOfOptionalHeader == 0 {
		return fmt.Errorf("image has no optional header")
	}

	var magic uint16
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("failed to read optional header magic: %v", err)
	}
	if _, err := br.Seek(-2, io.SeekCurrent); err != nil {
		return fmt.Errorf("failed to seek back: %v", err)
	}

	switch magic {
	case 0x020B: // PE32+
		r.is64 = true
		if err := binary.Read(br, binary.LittleEndian, &r.optHdr64); err != nil {
			return fmt.Errorf("failed to read optional header: %v", err)
		}
	case 0x010B: // PE32
		if err := binary.Read(br, binary.LittleEndian, &r.optHdr32); err != nil {
			return fmt.Errorf("failed to read optional header: %v", err)
		}
	default:
		return fmt.Errorf("unknown optional header magic: 0x%04x", magic)
	}

	return nil
}

// readSections reads the section header table.
func (r *Reader) readSections() error {
	br := bytes.NewReader(r.data)
	offset := int64(r.peOffset) + peSignatureSize + coffHeaderSize + int64(r.coffHdr.SizeOfOptionalHeader)
	if _, err := br.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to section headers: %v", err)
	}

	r.sections = make([]SectionHeader, r.coffHdr.NumberOfSections)
	for i := 0; i < int(r.coffHdr.NumberOfSections); i++ {
		if err := binary.Read(br, binary.LittleEndian, &r.sections[i]); err != nil {
			return fmt.Errorf("failed to read section %d: %v", i, err)
		}
	}

	return nil
}

// Is64 reports whether the image is PE32+.
func (r *Reader) Is64() bool {
	return r.is64
}

// FileHeader returns the COFF file header.
func (r *Reader) FileHeader() COFFHeader {
	return r.coffHdr
}

// EntryRVA returns the entry point RVA from the optional header.
func (r *Reader) EntryRVA() uint32 {
	if r.is64 {
		return r.optHdr64.AddressOfEntryPoint
	}
	return r.optHdr32.AddressOfEntryPoint
}

// ImageBase returns the preferred load address.
func (r *Reader) ImageBase() uint64 {
	if r.is64 {
		return r.optHdr64.ImageBase
	}
	return uint64(r.optHdr32.ImageBase)
}

// SizeOfImage returns the in-memory size of the image.
func (r *Reader) SizeOfImage() uint32 {
	if r.is64 {
		return r.optHdr64.SizeOfImage
	}
	return r.optHdr32.SizeOfImage
}

// CheckSum returns the stored header checksum.
func (r *Reader) CheckSum() uint32 {
	if r.is64 {
		return r.optHdr64.CheckSum
	}
	return r.optHdr32.CheckSum
}

// DataDirectories returns the 16 data directory entries.
func (r *Reader) DataDirectories() [16]DataDirectory {
	if r.is64 {
		return r.optHdr64.DataDirectory
	}
	return r.optHdr32.DataDirectory
}

// Sections returns the parsed section header table.
func (r *Reader) Sections() []SectionHeader {
	return r.sections
}

// SectionByName looks up a section header by name.
func (r *Reader) SectionByName(name string) *SectionHeader {
	for i := range r.sections {
		if r.sections[i].GetName() == name {
			return &r.sections[i]
		}
	}
	return nil
}

// SectionData returns the raw on-disk bytes of a section.
func (r *Reader) SectionData(sh *SectionHeader) ([]byte, error) {
	start := int(sh.PointerToRawData)
	end := start + int(sh.SizeOfRawData)
	if start < 0 || end > len(r.data) {
		return nil, fmt.Errorf("section %s raw data [0x%x, 0x%x) outside image", sh.GetName(), start, end)
	}
	return r.data[start:end], nil
}

// rvaToSection finds the section containing the given RVA.
func (r *Reader) rvaToSection(rva uint32) *SectionHeader {
	for i := range r.sections {
		section := &r.sections[i]
		if rva >= section.VirtualAddress && rva < section.VirtualAddress+section.VirtualSize {
			return section
		}
	}
	return nil
}

// RVAToFileOffset converts an RVA to a file offset, or 0 if the RVA is not
// covered by any section.
func (r *Reader) RVAToFileOffset(rva uint32) uint32 {
	section := r.rvaToSection(rva)
	if section == nil {
		return 0
	}
	return rva - section.VirtualAddress + section.PointerToRawData
}

// GetName returns the name of a section.
func (sh *SectionHeader) GetName() string {
	// Section names are 8 bytes, null-terminated or space-padded
	name := string(sh.Name[:])
	if idx := strings.IndexByte(name, 0); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}
