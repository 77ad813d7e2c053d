// checksum.go - image checksum and absolute-address fixups
package pemit

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFixupOutOfRange marks a fixup offset outside its section's raw data.
	ErrFixupOutOfRange = errors.New("fixup offset outside section raw data")

	errSelfCheck = errors.New("assembled image failed self-check")
)

// RelocationError reports a fixup that cannot be applied.
type RelocationError struct {
	Section string
	Offset  uint32
	Err     error
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("relocation: section %s offset 0x%x: %v", e.Section, e.Offset, e.Err)
}

func (e *RelocationError) Unwrap() error {
	return e.Err
}

// ChecksumError reports an assembled buffer too small to hold the checksum
// field, or one that fails the final self-check. Either way an internal
// invariant was violated; caller input cannot cause it.
type ChecksumError struct {
	Size int
	Err  error
}

func (e *ChecksumError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checksum: image of %d bytes: %v", e.Size, e.Err)
	}
	return fmt.Sprintf("checksum: image of %d bytes cannot contain the checksum field", e.Size)
}

func (e *ChecksumError) Unwrap() error {
	return e.Err
}

// fixImage is the last pipeline stage: it rewrites any declared absolute
// fixups now that the final virtual bases are known, then computes the image
// checksum over the finished bytes and patches it in place. Fixups must run
// first so the checksum covers the corrected data.
func fixImage(image []byte, layout *Layout, sections []SectionSpec, cfg *BuildConfig) error {
	if err := applyFixups(image, layout, sections, cfg); err != nil {
		return err
	}
	return patchChecksum(image)
}

// applyFixups shifts every declared absolute address by the difference
// between the actual virtual base of its section and the base it was
// originally computed against. Fixup slots are 4 bytes for PE32 and 8 bytes
// for PE32+.
func applyFixups(image []byte, layout *Layout, sections []SectionSpec, cfg *BuildConfig) error {
	width := uint32(4)
	if cfg.is64() {
		width = 8
	}

	for i := range sections {
		s := &sections[i]
		if len(s.Fixups) == 0 {
			continue
		}
		sec := &layout.Sections[i]
		actualBase := cfg.ImageBase + uint64(sec.RVA)

		for _, fix := range s.Fixups {
			if uint64(fix.Offset)+uint64(width) > uint64(len(s.Data)) {
				return &RelocationError{Section: s.Name, Offset: fix.Offset, Err: ErrFixupOutOfRange}
			}
			delta := actualBase - fix.ExpectedBase
			pos := sec.FileOffset + fix.Offset
			if cfg.is64() {
				v := binary.LittleEndian.Uint64(image[pos:])
				binary.LittleEndian.PutUint64(image[pos:], v+delta)
			} else {
				v := binary.LittleEndian.Uint32(image[pos:])
				binary.LittleEndian.PutUint32(image[pos:], v+uint32(delta))
			}
		}
	}

	return nil
}

// patchChecksum computes the standard PE image checksum and writes it into
// the optional header.
func patchChecksum(image []byte) error {
	if len(image) < checksumFieldOffset+4 {
		return &ChecksumError{Size: len(image)}
	}
	binary.LittleEndian.PutUint32(image[checksumFieldOffset:], 0)
	sum := Checksum(image, checksumFieldOffset)
	binary.LittleEndian.PutUint32(image[checksumFieldOffset:], sum)
	return nil
}

// Checksum computes the PE image checksum: the ones-complement style sum of
// all 16-bit little-endian words with carries folded back in, plus the total
// file size. The 4-byte checksum field at checksumOffset is treated as zero
// during the pass. Exported so callers can verify images independently.
func Checksum(image []byte, checksumOffset int) uint32 {
	var sum uint64
	for i := 0; i+1 < len(image); i += 2 {
		if i == checksumOffset || i == checksumOffset+2 {
			continue
		}
		sum += uint64(binary.LittleEndian.Uint16(image[i:]))
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	if len(image)%2 == 1 {
		sum += uint64(image[len(image)-1])
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	sum = (sum & 0xFFFF) + (sum >> 16)
	return uint32(sum) + uint32(len(image))
}
