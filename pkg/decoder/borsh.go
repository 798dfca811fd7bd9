package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PubkeySize is the length of an account address in bytes.
const PubkeySize = 32

// maxStringLen bounds length prefixes so a corrupt prefix cannot trigger a huge allocation.
const maxStringLen = 1 << 20

// Reader decodes little-endian Borsh values from a byte slice. The first failure is sticky:
// subsequent reads return zero values and Err reports the original failure.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first decoding failure, wrapping ErrMalformed.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = fmt.Errorf("%w: reading %s at offset %d: need %d bytes, have %d",
			ErrMalformed, what, r.off, n, r.Remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1, "u8")
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	b := r.take(1, "bool")
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = fmt.Errorf("%w: invalid bool byte %#x at offset %d", ErrMalformed, b[0], r.off-1)
		return false
	}
}

func (r *Reader) U16() uint16 {
	b := r.take(2, "u16")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4, "u32")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) I32() int32 {
	return int32(r.U32()) //nolint:gosec // two's complement reinterpretation
}

func (r *Reader) U64() uint64 {
	b := r.take(8, "u64")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I64() int64 {
	return int64(r.U64()) //nolint:gosec // two's complement reinterpretation
}

func (r *Reader) F64() float64 {
	return math.Float64frombits(r.U64())
}

// Pubkey reads a 32-byte account address.
func (r *Reader) Pubkey() [PubkeySize]byte {
	var k [PubkeySize]byte
	copy(k[:], r.take(PubkeySize, "pubkey"))
	return k
}

// String reads a u32 length-prefixed UTF-8 string.
func (r *Reader) String() string {
	n := r.U32()
	if r.err != nil {
		return ""
	}
	if n > maxStringLen {
		r.err = fmt.Errorf("%w: string length %d exceeds limit", ErrMalformed, n)
		return ""
	}
	return string(r.take(int(n), "string"))
}

// OptionPubkey reads an Option<Pubkey>. The second result is false for None.
func (r *Reader) OptionPubkey() ([PubkeySize]byte, bool) {
	switch tag := r.U8(); {
	case r.err != nil:
		return [PubkeySize]byte{}, false
	case tag == 0:
		return [PubkeySize]byte{}, false
	case tag == 1:
		return r.Pubkey(), true
	default:
		r.err = fmt.Errorf("%w: invalid option tag %#x", ErrMalformed, tag)
		return [PubkeySize]byte{}, false
	}
}

// Rest returns a copy of the unread bytes and consumes them.
func (r *Reader) Rest() []byte {
	b := r.take(r.Remaining(), "rest")
	return append([]byte(nil), b...)
}

// Skip advances past n bytes.
func (r *Reader) Skip(n int) {
	r.take(n, "skip")
}
