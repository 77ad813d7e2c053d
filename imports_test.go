package pemit

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildImportDataDeterministic(t *testing.T) {
	libraries := map[string][]string{
		"msvcrt.dll":   {"printf", "exit", "malloc"},
		"kernel32.dll": {"ExitProcess"},
	}

	first, firstMap, err := BuildImportData(libraries, 0x3000, true)
	if err != nil {
		t.Fatalf("BuildImportData failed: %v", err)
	}
	second, secondMap, err := BuildImportData(libraries, 0x3000, true)
	if err != nil {
		t.Fatalf("BuildImportData failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("import data is not deterministic across calls")
	}
	for fn, rva := range firstMap {
		if secondMap[fn] != rva {
			t.Errorf("IAT RVA for %s differs between calls: 0x%x vs 0x%x", fn, rva, secondMap[fn])
		}
	}
}

func TestBuildImportDataStructure(t *testing.T) {
	const idataRVA = 0x2000
	libraries := map[string][]string{
		"msvcrt.dll": {"printf", "exit"},
	}

	data, iatMap, err := BuildImportData(libraries, idataRVA, false)
	if err != nil {
		t.Fatalf("BuildImportData failed: %v", err)
	}

	// One descriptor plus the null terminator.
	iltRVA := binary.LittleEndian.Uint32(data[0:])
	nameRVA := binary.LittleEndian.Uint32(data[12:])
	iatRVA := binary.LittleEndian.Uint32(data[16:])
	if iltRVA != idataRVA+2*20 {
		t.Errorf("ILT RVA = 0x%x, want 0x%x (right after the descriptor table)", iltRVA, idataRVA+2*20)
	}
	for _, b := range data[20:40] {
		if b != 0 {
			t.Fatal("descriptor table is not null-terminated")
		}
	}

	// The DLL name string must sit where the descriptor says.
	nameOffset := nameRVA - idataRVA
	end := bytes.IndexByte(data[nameOffset:], 0)
	if end < 0 || string(data[nameOffset:nameOffset+uint32(end)]) != "msvcrt.dll" {
		t.Errorf("DLL name at offset 0x%x is not msvcrt.dll", nameOffset)
	}

	// 32-bit thunks: IAT holds one 4-byte entry per function plus terminator,
	// and the map points at consecutive slots.
	if iatMap["printf"] != iatRVA {
		t.Errorf("IAT RVA for printf = 0x%x, want 0x%x", iatMap["printf"], iatRVA)
	}
	if iatMap["exit"] != iatRVA+4 {
		t.Errorf("IAT RVA for exit = 0x%x, want 0x%x", iatMap["exit"], iatRVA+4)
	}

	// Each IAT slot starts out as an RVA to a hint/name entry whose name
	// matches the imported function.
	for fn, rva := range iatMap {
		slot := rva - idataRVA
		hintRVA := binary.LittleEndian.Uint32(data[slot:])
		hintOffset := hintRVA - idataRVA
		nameEnd := bytes.IndexByte(data[hintOffset+2:], 0)
		if got := string(data[hintOffset+2 : hintOffset+2+uint32(nameEnd)]); got != fn {
			t.Errorf("IAT slot for %s points at hint/name entry %q", fn, got)
		}
	}
}

func TestBuildImportDataThunkWidth(t *testing.T) {
	libraries := map[string][]string{"msvcrt.dll": {"printf"}}

	data32, _, err := BuildImportData(libraries, 0x2000, false)
	if err != nil {
		t.Fatalf("BuildImportData(32) failed: %v", err)
	}
	data64, _, err := BuildImportData(libraries, 0x2000, true)
	if err != nil {
		t.Fatalf("BuildImportData(64) failed: %v", err)
	}
	// Same content except the ILT/IAT entries double in width: one function
	// plus terminator in each of the two tables makes 2*2*4 extra bytes.
	if len(data64)-len(data32) != 16 {
		t.Errorf("PE32+ import data is %d bytes larger than PE32, want 16", len(data64)-len(data32))
	}
}

func TestBuildImportDataEmpty(t *testing.T) {
	if _, _, err := BuildImportData(nil, 0x2000, true); err == nil {
		t.Fatal("expected an error for an empty library map")
	}
}
