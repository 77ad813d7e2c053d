// imports.go - import table construction for the optional Imports section
package pemit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// BuildImportData builds the payload of an Imports-kind section: the Import
// Directory Table, one Import Lookup Table and Import Address Table per DLL,
// the hint/name table and the DLL name strings. idataRVA must be the RVA the
// section will be placed at, so the caller plans the Imports section at a
// known position (typically last, after code and data).
//
// Returns the section bytes and a map from function name to its IAT entry
// RVA, which code generators use to emit indirect calls.
func BuildImportData(libraries map[string][]string, idataRVA uint32, is64 bool) ([]byte, map[string]uint32, error) {
	// Structure of the section:
	// 1. Import Directory Table - IMAGE_IMPORT_DESCRIPTORs (20 bytes each), null-terminated
	// 2. Import Lookup Tables - one per DLL, RVAs to hint/name entries
	// 3. Import Address Tables - one per DLL, same layout (loader fills these)
	// 4. Hint/Name Table - hint (uint16) + null-terminated name per function
	// 5. DLL names - null-terminated strings

	if len(libraries) == 0 {
		return nil, nil, fmt.Errorf("no libraries to import")
	}

	thunkSize := uint32(4)
	if is64 {
		thunkSize = 8
	}

	var buf bytes.Buffer
	iatMap := make(map[string]uint32)

	numLibs := len(libraries)
	idtSize := (numLibs + 1) * 20 // +1 for null terminator
	currentOffset := uint32(idtSize)

	type libData struct {
		name        string
		functions   []string
		iltOffset   uint32
		iatOffset   uint32
		nameOffset  uint32
		hintsOffset uint32
	}
	libsData := make([]libData, 0, numLibs)

	// Sort library names for deterministic output
	libNames := make([]string, 0, len(libraries))
	for libName := range libraries {
		libNames = append(libNames, libName)
	}
	sort.Strings(libNames)

	// First pass: lay out the ILTs and IATs
	for _, libName := range libNames {
		funcs := libraries[libName]
		ld := libData{
			name:      libName,
			functions: funcs,
		}

		iltSize := uint32(len(funcs)+1) * thunkSize // +1 for null terminator

		ld.iltOffset = currentOffset
		currentOffset += iltSize

		ld.iatOffset = currentOffset
		currentOffset += iltSize

		libsData = append(libsData, ld)
	}

	// Hint/name entries, each 2-byte aligned
	for i := range libsData {
		libsData[i].hintsOffset = currentOffset
		for _, funcName := range libsData[i].functions {
			currentOffset += hintEntrySize(funcName)
		}
	}

	// DLL name strings
	for i := range libsData {
		libsData[i].nameOffset = currentOffset
		currentOffset += uint32(len(libsData[i].name) + 1)
	}

	writeThunk := func(v uint32) {
		if is64 {
			binary.Write(&buf, binary.LittleEndian, uint64(v))
		} else {
			binary.Write(&buf, binary.LittleEndian, v)
		}
	}

	// Import Directory Table
	for _, ld := range libsData {
		binary.Write(&buf, binary.LittleEndian, idataRVA+ld.iltOffset)  // OriginalFirstThunk (ILT RVA)
		binary.Write(&buf, binary.LittleEndian, uint32(0))              // TimeDateStamp
		binary.Write(&buf, binary.LittleEndian, uint32(0))              // ForwarderChain
		binary.Write(&buf, binary.LittleEndian, idataRVA+ld.nameOffset) // Name RVA
		binary.Write(&buf, binary.LittleEndian, idataRVA+ld.iatOffset)  // FirstThunk (IAT RVA)
	}
	binary.Write(&buf, binary.LittleEndian, [20]byte{}) // null terminator

	// ILT and IAT per library. Both hold RVAs to hint/name entries (high bit
	// clear means import by name); the loader overwrites the IAT at load time.
	for _, ld := range libsData {
		for pass := 0; pass < 2; pass++ {
			hintOffset := ld.hintsOffset
			for funcIndex, funcName := range ld.functions {
				if pass == 1 {
					iatMap[funcName] = idataRVA + ld.iatOffset + uint32(funcIndex)*thunkSize
				}
				writeThunk(idataRVA + hintOffset)
				hintOffset += hintEntrySize(funcName)
			}
			writeThunk(0) // null terminator
		}
	}

	// Hint/Name Table
	for _, ld := range libsData {
		for _, funcName := range ld.functions {
			binary.Write(&buf, binary.LittleEndian, uint16(0)) // hint (ordinal unused)
			buf.WriteString(funcName)
			buf.WriteByte(0)
			if (2+len(funcName)+1)%2 != 0 {
				buf.WriteByte(0) // align to 2-byte boundary
			}
		}
	}

	// DLL names
	for _, ld := range libsData {
		buf.WriteString(ld.name)
		buf.WriteByte(0)
	}

	return buf.Bytes(), iatMap, nil
}

// hintEntrySize returns the 2-byte aligned size of one hint/name entry.
func hintEntrySize(funcName string) uint32 {
	entrySize := 2 + len(funcName) + 1
	if entrySize%2 != 0 {
		entrySize++
	}
	return uint32(entrySize)
}
