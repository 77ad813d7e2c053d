// section.go - section header table and raw section data serialization
package pemit

import (
	"errors"
	"fmt"
)

// Section writing failure reasons, matched with errors.Is.
var (
	ErrNameTooLong = errors.New("section name longer than 8 characters")
	ErrOverflow    = errors.New("section data exceeds its allocated region")
)

// SectionError reports a section the writer cannot serialize.
type SectionError struct {
	Section string
	Err     error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("section %s: %v", e.Section, e.Err)
}

func (e *SectionError) Unwrap() error {
	return e.Err
}

// writeSections appends the section header table directly after the optional
// header, pads to the first planned file offset, then writes each section's
// raw bytes at exactly the offset the planner assigned, zero-filling the gap
// up to the file-aligned allocation.
func writeSections(w *imageWriter, layout *Layout, sections []SectionSpec, cfg *BuildConfig) error {
	// === Section Header Table (40 bytes per section) ===
	for i := range sections {
		s := &sections[i]
		sec := &layout.Sections[i]

		// Section name (8 bytes, null-padded)
		nameBytes := []byte(s.Name)
		if len(nameBytes) > 8 {
			return &SectionError{Section: s.Name, Err: ErrNameTooLong}
		}
		w.writeBytes(nameBytes)
		w.writeN(0, 8-len(nameBytes))

		w.writeU32(sec.VirtualSize)
		w.writeU32(sec.RVA)
		w.writeU32(sec.RawSize)
		w.writeU32(sec.FileOffset)
		w.writeU32(0) // Pointer to relocations
		w.writeU32(0) // Pointer to line numbers
		w.writeU16(0) // Number of relocations
		w.writeU16(0) // Number of line numbers
		w.writeU32(s.characteristics())
	}

	// Pad headers out to the file alignment boundary.
	w.padTo(int(layout.SizeOfHeaders))

	// === Raw section data ===
	for i := range sections {
		s := &sections[i]
		sec := &layout.Sections[i]

		if uint64(len(s.Data)) > uint64(sec.RawSize) {
			// Never truncate silently or spill into the next section.
			return &SectionError{Section: s.Name, Err: ErrOverflow}
		}
		if w.Len() != int(sec.FileOffset) {
			return &SectionError{
				Section: s.Name,
				Err:     fmt.Errorf("write position 0x%x does not match planned offset 0x%x", w.Len(), sec.FileOffset),
			}
		}

		w.writeBytes(s.Data)
		w.writeN(0, int(sec.RawSize)-len(s.Data))
	}

	return nil
}
