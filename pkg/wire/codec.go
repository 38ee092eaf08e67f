// ABOUTME: Bounds-checked big-endian primitive reader and writer
// ABOUTME: Errors are sticky so message codecs check once at the end
package wire

import (
	"encoding/binary"
	"unicode/utf8"
)

// Magic prefixes every message on the wire.
const Magic uint16 = 0x8BC7

// MaxStringLength is the longest string a u16 length prefix can carry,
// since the prefix stores len+1 and reserves 0 for null.
const MaxStringLength = 0xFFFF - 1

// Writer serializes into a fixed buffer. The first overflow is recorded and
// every later write becomes a no-op.
type Writer struct {
	buf []byte
	off int
	err error
}

// NewWriter writes into buf starting at offset 0.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Err returns the first framing error, if any.
func (w *Writer) Err() error { return w.err }

// Len reports how many bytes have been written.
func (w *Writer) Len() int { return w.off }

// Bytes returns the written prefix of the buffer.
func (w *Writer) Bytes() []byte { return w.buf[:w.off] }

func (w *Writer) reserve(field string, n int) []byte {
	if w.err != nil {
		return nil
	}
	if w.off+n > len(w.buf) {
		w.err = &FramingError{Op: "write", Field: field, Offset: w.off, Need: n, Have: len(w.buf) - w.off}
		return nil
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b
}

func (w *Writer) WriteU8(v uint8) {
	if b := w.reserve("u8", 1); b != nil {
		b[0] = v
	}
}

func (w *Writer) WriteU16(v uint16) {
	if b := w.reserve("u16", 2); b != nil {
		binary.BigEndian.PutUint16(b, v)
	}
}

func (w *Writer) WriteU32(v uint32) {
	if b := w.reserve("u32", 4); b != nil {
		binary.BigEndian.PutUint32(b, v)
	}
}

// WriteCount writes n as a u16 element count. Counts that do not fit fail
// the writer instead of wrapping.
func (w *Writer) WriteCount(field string, n int) bool {
	if n < 0 || n > 0xFFFF {
		w.fail(field, n)
		return false
	}
	w.WriteU16(uint16(n))
	return w.err == nil
}

// WriteBytes writes a u16 length followed by the raw bytes.
func (w *Writer) WriteBytes(p []byte) {
	if !w.WriteCount("bytes", len(p)) {
		return
	}
	if b := w.reserve("bytes", len(p)); b != nil {
		copy(b, p)
	}
}

// WriteString writes a nullable string. A nil pointer encodes as length 0,
// anything else as len+1 followed by the UTF-8 bytes.
func (w *Writer) WriteString(s *string) {
	if s == nil {
		w.WriteU16(0)
		return
	}
	if len(*s) > MaxStringLength {
		w.fail("string", len(*s))
		return
	}
	w.WriteU16(uint16(len(*s) + 1))
	if b := w.reserve("string", len(*s)); b != nil {
		copy(b, *s)
	}
}

// WriteText writes a non-null string.
func (w *Writer) WriteText(s string) {
	w.WriteString(&s)
}

// WriteHeader writes the magic and the type tag.
func (w *Writer) WriteHeader(t MessageType) {
	w.WriteU16(Magic)
	w.WriteU8(uint8(t))
}

func (w *Writer) fail(field string, need int) {
	if w.err == nil {
		w.err = &FramingError{Op: "write", Field: field, Offset: w.off, Need: need, Have: len(w.buf) - w.off}
	}
}

// Reader deserializes from a byte slice with the same sticky error rule.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader reads buf from offset 0.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Err() error { return r.err }

// Remaining reports unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(field string, n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = &FramingError{Op: "read", Field: field, Offset: r.off, Need: n, Have: len(r.buf) - r.off}
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadU8() uint8 {
	if b := r.take("u8", 1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) ReadU16() uint16 {
	if b := r.take("u16", 2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) ReadU32() uint32 {
	if b := r.take("u32", 4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// ReadBytes reads a u16-length byte segment. The result aliases the input
// buffer; callers that keep it past the packet's lifetime must copy.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadU16()
	return r.take("bytes", int(n))
}

// ReadString reads a nullable string written by WriteString.
func (r *Reader) ReadString() *string {
	n := r.ReadU16()
	if r.err != nil || n == 0 {
		return nil
	}
	b := r.take("string", int(n)-1)
	if b == nil {
		return nil
	}
	if !utf8.Valid(b) {
		r.err = &FramingError{Op: "read", Field: "utf8", Offset: r.off - len(b), Need: len(b), Have: len(b)}
		return nil
	}
	s := string(b)
	return &s
}

// ReadText reads a string and maps null to "".
func (r *Reader) ReadText() string {
	if s := r.ReadString(); s != nil {
		return *s
	}
	return ""
}

// ReadHeader validates the magic and returns the type tag.
func (r *Reader) ReadHeader() (MessageType, error) {
	magic := r.ReadU16()
	t := MessageType(r.ReadU8())
	if r.err != nil {
		return 0, r.err
	}
	if magic != Magic {
		return 0, ErrBadMagic
	}
	if !t.Valid() {
		return t, ErrUnknownType
	}
	return t, nil
}
