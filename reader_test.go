package pemit

import (
	"testing"
)

func TestParseImageRejectsGarbage(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", []byte{0x4D, 0x5A, 0x00}},
		{"wrong magic", make([]byte, 0x200)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseImage(tc.data); err == nil {
				t.Fatal("expected a parse error")
			}
		})
	}
}

func TestParseImageRejectsBadSignature(t *testing.T) {
	image, err := Emit(CodeBlob{0xC3}, 0, []SectionSpec{{Name: ".text", Kind: SectionCode, Data: []byte{0xC3}}}, DefaultConfig32())
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	corrupted := make([]byte, len(image))
	copy(corrupted, image)
	corrupted[dosHeaderSize+dosStubSize] = 'X' // clobber "PE\0\0"
	if _, err := ParseImage(corrupted); err == nil {
		t.Fatal("expected an error for a corrupted PE signature")
	}
}

func TestRVAToFileOffset(t *testing.T) {
	sections := []SectionSpec{
		{Name: ".text", Kind: SectionCode, Data: []byte{0x90, 0xC3}},
		{Name: ".data", Kind: SectionData, Data: []byte("abc")},
	}
	image, err := Emit(CodeBlob{0x90, 0xC3}, 1, sections, DefaultConfig64())
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
	off := r.RVAToFileOffset(dataSec.VirtualAddress + 1)
	if off == 0 || image[off] != 'b' {
		t.Errorf("RVA 0x%x mapped to file offset 0x%x, which does not hold 'b'", dataSec.VirtualAddress+1, off)
	}

	// An RVA outside every section maps to nothing.
	if off := r.RVAToFileOffset(0xDEAD0000); off != 0 {
		t.Errorf("unmapped RVA resolved to file offset 0x%x, want 0", off)
	}

	// Entry offset 1 points at the RET, one past the NOP.
	entryOff := r.RVAToFileOffset(r.EntryRVA())
	if image[entryOff] != 0xC3 {
		t.Errorf("entry byte = 0x%02x, want 0xC3", image[entryOff])
	}
}

func TestSectionHeaderGetName(t *testing.T) {
	var sh SectionHeader
	copy(sh.Name[:], ".text")
	if got := sh.GetName(); got != ".text" {
		t.Errorf("GetName = %q, want .text", got)
	}

	copy(sh.Name[:], "12345678") // full width, no terminator
	if got := sh.GetName(); got != "12345678" {
		t.Errorf("GetName = %q, want 12345678", got)
	}
}
