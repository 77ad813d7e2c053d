// writer.go - little-endian byte writer for image assembly
package pemit

import (
	"bytes"
	"encoding/binary"
)

// imageWriter accumulates the output image. All multi-byte writes are
// little-endian, as the PE format requires.
type imageWriter struct {
	buf bytes.Buffer
}

func newImageWriter() *imageWriter {
	return &imageWriter{}
}

func (w *imageWriter) writeU8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *imageWriter) writeU16(v uint16) {
	w.buf.Write([]byte{byte(v), byte(v >> 8)})
}

func (w *imageWriter) writeU32(v uint32) {
	w.buf.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (w *imageWriter) writeU64(v uint64) {
	binary.Write(&w.buf, binary.LittleEndian, v)
}

func (w *imageWriter) writeBytes(bs []byte) {
	w.buf.Write(bs)
}

// writeN writes b repeated n times. Used for zero padding between regions.
func (w *imageWriter) writeN(b byte, n int) {
	for i := 0; i < n; i++ {
		w.buf.WriteByte(b)
	}
}

// padTo zero-fills up to the absolute offset. Writing backwards would mean
// two regions overlap, which the layout planner rules out.
func (w *imageWriter) padTo(offset int) {
	if n := offset - w.buf.Len(); n > 0 {
		w.writeN(0, n)
	}
}

func (w *imageWriter) Len() int {
	return w.buf.Len()
}

func (w *imageWriter) Bytes() []byte {
	return w.buf.Bytes()
}
