package pemit

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestChecksumKnownValues(t *testing.T) {
	// With the checksum field placed outside the buffer, nothing is skipped
	// and the result is the folded word sum plus the length.
	for _, tc := range []struct {
		name string
		data []byte
		want uint32
	}{
		{"empty", nil, 0},
		{"one word", []byte{0x01, 0x00}, 1 + 2},
		{"odd trailing byte", []byte{0x01, 0x00, 0xFF}, 1 + 0xFF + 3},
		{"carry folds", []byte{0xFF, 0xFF, 0x02, 0x00}, 2 + 4}, // 0xFFFF + 2 wraps to 2
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Checksum(tc.data, len(tc.data)+8); got != tc.want {
				t.Errorf("Checksum = 0x%x, want 0x%x", got, tc.want)
			}
		})
	}
}

func TestChecksumExcludesField(t *testing.T) {
	buf := make([]byte, 16)
	base := Checksum(buf, 4)

	// Whatever sits in the excluded dword must not affect the sum.
	binary.LittleEndian.PutUint32(buf[4:], 0xDEADBEEF)
	if got := Checksum(buf, 4); got != base {
		t.Errorf("checksum changed when only the excluded field changed: 0x%x != 0x%x", got, base)
	}

	// A change anywhere else must.
	buf[0] = 1
	if got := Checksum(buf, 4); got == base {
		t.Error("checksum did not change when covered data changed")
	}
}

func TestPatchChecksumTooSmall(t *testing.T) {
	err := patchChecksum(make([]byte, 16))
	var csErr *ChecksumError
	if !errors.As(err, &csErr) {
		t.Fatalf("expected *ChecksumError for undersized buffer, got %v", err)
	}
}

func TestApplyFixups(t *testing.T) {
	cfg := DefaultConfig32()
	// Data section holding one absolute address computed against a base one
	// page below where the section actually lands.
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, 0x00401000)
	sections := []SectionSpec{
		{Name: ".text", Kind: SectionCode, Data: []byte{0xC3}},
		{
			Name:   ".data",
			Kind:   SectionData,
			Data:   payload,
			Fixups: []Fixup{{Offset: 0, ExpectedBase: 0x00401000}},
		},
	}

	image, err := Emit(CodeBlob{0xC3}, 0, sections, cfg)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	r, err := ParseImage(image)
	if err != nil {
		t.Fatalf("ParseImage failed: %v", err)
	}
	dataSec := r.SectionByName(".data")
	if dataSec == nil {
		t.Fatal(".data section not found")
	}

	// Actual base is image base + .data RVA (0x2000), expected was 0x401000,
	// so the stored value shifts by 0x1000.
	actualBase := uint32(cfg.ImageBase) + dataSec.VirtualAddress
	got := binary.LittleEndian.Uint32(image[dataSec.PointerToRawData:])
	want := 0x00401000 + (actualBase - 0x00401000)
	if got != want {
		t.Errorf("fixed-up value = 0x%08x, want 0x%08x", got, want)
	}
}

func TestApplyFixups64Width(t *testing.T) {
	cfg := DefaultConfig64()
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload, 0x140001000)
	sections := []SectionSpec{
		{Name: ".text", Kind: SectionCode, Data: []byte{0xC3}},
		{
			Name:   ".data",
			Kind:   SectionData,
			Data:   payload,
			Fixups: []Fixup{{Offset: 0, ExpectedBase: 0x140001000}},
		},
	}

	image, err := Emit(CodeBlob{0xC3}, 0, sections, cfg)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	r, err := ParseImage(image)
	if err != nil {
		t.Fatalf("ParseImage failed: %v", err)
	}
	dataSec := r.SectionByName(".data")
	actualBase := cfg.ImageBase + uint64(dataSec.VirtualAddress)
	got := binary.LittleEndian.Uint64(image[dataSec.PointerToRawData:])
	if got != actualBase {
		t.Errorf("fixed-up value = 0x%x, want 0x%x", got, actualBase)
	}
}

func TestFixupOutOfRange(t *testing.T) {
	sections := []SectionSpec{
		{Name: ".text", Kind: SectionCode, Data: []byte{0xC3}},
		{
			Name:   ".data",
			Kind:   SectionData,
			Data:   []byte{0, 0, 0, 0},
			Fixups: []Fixup{{Offset: 2, ExpectedBase: 0}}, // 4-byte slot at 2 ends past the data
		},
	}

	_, err := Emit(CodeBlob{0xC3}, 0, sections, DefaultConfig32())
	if !errors.Is(err, ErrFixupOutOfRange) {
		t.Fatalf("expected ErrFixupOutOfRange, got %v", err)
	}
	var relErr *RelocationError
	if !errors.As(err, &relErr) {
		t.Fatalf("expected *RelocationError, got %T", err)
	}
	if relErr.Section != ".data" || relErr.Offset != 2 {
		t.Errorf("error context = section %q offset 0x%x, want .data offset 0x2", relErr.Section, relErr.Offset)
	}
}
