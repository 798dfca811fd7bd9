package decoder

import (
	"encoding/base64"
	"encoding/binary"
)

// Writer encodes Borsh values. It mirrors Reader and is used to build fixtures and
// "Program data:" lines.
type Writer struct {
	buf []byte
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) U8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

func (w *Writer) U16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) U32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) I32(v int32) *Writer {
	return w.U32(uint32(v)) //nolint:gosec // two's complement reinterpretation
}

func (w *Writer) U64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) I64(v int64) *Writer {
	return w.U64(uint64(v)) //nolint:gosec // two's complement reinterpretation
}

func (w *Writer) Pubkey(k [PubkeySize]byte) *Writer {
	return w.Raw(k[:])
}

func (w *Writer) String(s string) *Writer {
	w.U32(uint32(len(s))) //nolint:gosec // fixture strings are short
	return w.Raw([]byte(s))
}

func (w *Writer) OptionPubkey(k *[PubkeySize]byte) *Writer {
	if k == nil {
		return w.U8(0)
	}
	return w.U8(1).Pubkey(*k)
}

// EventLine returns the "Program data:" log line carrying the named event with payload.
func EventLine(name string, payload []byte) string {
	d := EventDiscriminator(name)
	data := append(d[:], payload...)
	return programDataPrefix + base64.StdEncoding.EncodeToString(data)
}
