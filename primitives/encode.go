package primitives

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DecodeError is the taxonomy of wire-decode failures. Every field names
// why the bytes could not become a value; callers use errors.Is against the
// sentinels below to decide peer-penalty policy.
type DecodeError struct {
	Kind string
	Msg  string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Sentinel decode error kinds, matched via errors.Is.
var (
	ErrTruncated     = &DecodeError{Kind: "truncated"}
	ErrInvalidLength = &DecodeError{Kind: "invalid_length"}
	ErrInvalidValue  = &DecodeError{Kind: "invalid_variant"}
	ErrHashMismatch  = errors.New("hash_mismatch")
	ErrSignature     = errors.New("signature_invalid")
)

func (e *DecodeError) Is(target error) bool {
	other, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func decErr(kind, msg string) error {
	return &DecodeError{Kind: kind, Msg: msg}
}

// Writer builds a canonical byte encoding: fixed-width integers are
// big-endian, variable-length byte strings and sequences are a 4-byte
// big-endian length/count prefix followed by the payload, per spec.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer with room for size bytes pre-allocated.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated canonical encoding.
func (w *Writer) Bytes() []byte { return w.buf }

// PutU8 appends a single byte.
func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

// PutU16 appends a big-endian uint16.
func (w *Writer) PutU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutU32 appends a big-endian uint32.
func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutU64 appends a big-endian uint64.
func (w *Writer) PutU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutHash appends a fixed-width 32-byte hash verbatim (no length prefix:
// fixed-width fields never carry one).
func (w *Writer) PutHash(h Hash) { w.buf = append(w.buf, h[:]...) }

// PutAddress appends a fixed-width 32-byte address verbatim.
func (w *Writer) PutAddress(a Address) { w.buf = append(w.buf, a[:]...) }

// PutBytes appends a 4-byte big-endian length prefix followed by data.
func (w *Writer) PutBytes(data []byte) {
	w.PutU32(uint32(len(data)))
	w.buf = append(w.buf, data...)
}

// PutSeqHeader appends a 4-byte big-endian element count. Callers append
// each element's own encoding afterward.
func (w *Writer) PutSeqHeader(count int) { w.PutU32(uint32(count)) }

// Reader consumes a canonical encoding produced by Writer, failing closed
// (decoding is strict: every byte must be consumed by the caller, and any
// short read is an error).
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Done reports whether every byte has been consumed; callers use this to
// enforce "trailing bytes are an error" per spec §6.
func (r *Reader) Done() bool { return r.pos == len(r.buf) }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, decErr("truncated", fmt.Sprintf("need %d bytes, have %d", n, r.Remaining()))
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// GetU8 reads one byte.
func (r *Reader) GetU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetU16 reads a big-endian uint16.
func (r *Reader) GetU16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// GetU32 reads a big-endian uint32.
func (r *Reader) GetU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// GetU64 reads a big-endian uint64.
func (r *Reader) GetU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// GetHash reads a fixed-width 32-byte hash.
func (r *Reader) GetHash() (Hash, error) {
	var out Hash
	b, err := r.take(HashSize)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// GetAddress reads a fixed-width 32-byte address.
func (r *Reader) GetAddress() (Address, error) {
	var out Address
	b, err := r.take(AddressSize)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// MaxDecodeLen bounds any single length/count prefix accepted while
// decoding, guarding against a hostile peer claiming a multi-gigabyte
// allocation from a few header bytes.
const MaxDecodeLen = 64 << 20

// GetBytes reads a 4-byte length prefix followed by that many bytes.
func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	if n > MaxDecodeLen {
		return nil, decErr("invalid_length", fmt.Sprintf("length %d exceeds max %d", n, MaxDecodeLen))
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// GetSeqHeader reads a 4-byte element count.
func (r *Reader) GetSeqHeader() (int, error) {
	n, err := r.GetU32()
	if err != nil {
		return 0, err
	}
	if n > MaxDecodeLen {
		return 0, decErr("invalid_length", fmt.Sprintf("count %d exceeds max %d", n, MaxDecodeLen))
	}
	return int(n), nil
}
