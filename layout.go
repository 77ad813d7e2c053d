// layout.go - section layout planning
package pemit

import (
	"errors"
	"fmt"
	"math"
)

// Layout planning failure reasons, matched with errors.Is.
var (
	ErrBadAlignment      = errors.New("alignment is not a power of two")
	ErrSectionTooLarge   = errors.New("section size exceeds uint32 limit")
	ErrImageTooLarge     = errors.New("image size exceeds uint32 limit")
	ErrEntryPointUnbound = errors.New("entry point not bound to any code section")
)

// LayoutError reports a section manifest the planner cannot lay out.
type LayoutError struct {
	Section string // empty when the whole manifest is at fault
	Err     error
}

func (e *LayoutError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("layout: section %s: %v", e.Section, e.Err)
	}
	return fmt.Sprintf("layout: %v", e.Err)
}

func (e *LayoutError) Unwrap() error {
	return e.Err
}

// SectionLayout is the planned placement of one section.
type SectionLayout struct {
	FileOffset  uint32 // start of raw data in the file
	RVA         uint32 // virtual address relative to the image base
	RawSize     uint32 // file-aligned allocation on disk
	VirtualSize uint32 // unpadded size in memory
}

// Layout maps every section to its file and memory placement. It is computed
// once per build and immutable afterwards.
type Layout struct {
	Sections      []SectionLayout
	HeadersSize   uint32 // unaligned size of all headers
	SizeOfHeaders uint32 // headers rounded up to file alignment
	SizeOfImage   uint32 // end of the last section, section-aligned
	EntryRVA      uint32 // 0 for header-only images
	CodeIndex     int    // index of the section binding the code blob, -1 if none
}

// planLayout walks the section manifest in order, assigning strictly
// increasing, non-overlapping, aligned file offsets and RVAs. The first
// section starts one page past the image base so that the null page stays
// unmapped.
func planLayout(code CodeBlob, entryOffset uint32, sections []SectionSpec, cfg *BuildConfig) (*Layout, error) {
	fileAlign := cfg.FileAlignment
	sectAlign := cfg.SectionAlignment
	if fileAlign == 0 || fileAlign&(fileAlign-1) != 0 {
		return nil, &LayoutError{Err: fmt.Errorf("file alignment 0x%x: %w", fileAlign, ErrBadAlignment)}
	}
	if sectAlign == 0 || sectAlign&(sectAlign-1) != 0 {
		return nil, &LayoutError{Err: fmt.Errorf("section alignment 0x%x: %w", sectAlign, ErrBadAlignment)}
	}

	layout := &Layout{
		Sections:  make([]SectionLayout, len(sections)),
		CodeIndex: -1,
	}

	// Headers occupy the start of the file; the first section begins at the
	// next file alignment boundary.
	headersSize := uint32(dosHeaderSize + dosStubSize + peSignatureSize + coffHeaderSize)
	headersSize += cfg.optionalHeaderSize()
	headersSize += uint32(len(sections)) * peSectionHeaderSize
	layout.HeadersSize = headersSize
	layout.SizeOfHeaders = alignTo(headersSize, fileAlign)

	// Track positions in 64-bit space so overflow is detected, not wrapped.
	offset := uint64(layout.SizeOfHeaders)
	rva := uint64(sectAlign) // one page past the image base

	for i := range sections {
		s := &sections[i]
		size := uint64(len(s.Data))
		if size > math.MaxUint32 {
			return nil, &LayoutError{Section: s.Name, Err: ErrSectionTooLarge}
		}

		rawAlloc := alignTo64(size, uint64(fileAlign))
		virtAlloc := alignTo64(size, uint64(sectAlign))
		if size == 0 {
			// An empty section still gets one allocation unit in each space.
			rawAlloc = uint64(fileAlign)
			virtAlloc = uint64(sectAlign)
		}

		virtualSize := uint32(size)
		if virtualSize == 0 {
			virtualSize = fileAlign
		}

		layout.Sections[i] = SectionLayout{
			FileOffset:  uint32(offset),
			RVA:         uint32(rva),
			RawSize:     uint32(rawAlloc),
			VirtualSize: virtualSize,
		}

		if s.Kind == SectionCode && layout.CodeIndex < 0 {
			layout.CodeIndex = i
		}

		offset += rawAlloc
		rva += virtAlloc
		if offset > math.MaxUint32 || rva > math.MaxUint32 {
			return nil, &LayoutError{Section: s.Name, Err: ErrImageTooLarge}
		}
	}

	layout.SizeOfImage = uint32(alignTo64(rva, uint64(sectAlign)))

	// A code blob must land inside a Code section for the entry point to
	// have an address.
	if len(code) > 0 || entryOffset > 0 {
		if layout.CodeIndex < 0 {
			return nil, &LayoutError{Err: ErrEntryPointUnbound}
		}
		codeSec := &layout.Sections[layout.CodeIndex]
		if entryOffset >= codeSec.VirtualSize {
			return nil, &LayoutError{
				Section: sections[layout.CodeIndex].Name,
				Err:     fmt.Errorf("entry offset 0x%x beyond code section: %w", entryOffset, ErrEntryPointUnbound),
			}
		}
		layout.EntryRVA = codeSec.RVA + entryOffset
	}

	return layout, nil
}
