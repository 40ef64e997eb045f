// Package xdr implements the canonical, big-endian, length-prefixed wire
// encoding used for hashing and signing throughout the engine (spec §6, §9:
// "any library providing XDR semantics suffices, or a hand-rolled serializer
// of the grammar in §6" — the pack carries no general XDR/IDL dependency, so
// this is the grounded choice).
package xdr

import (
	"encoding/binary"
	"fmt"
)

// Encoder accumulates canonical bytes for a single wire value.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{buf: make([]byte, 0, 256)} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) U16(v uint16) *Encoder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
	return e
}

func (e *Encoder) U32(v uint32) *Encoder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
	return e
}

func (e *Encoder) U64(v uint64) *Encoder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
	return e
}

func (e *Encoder) I64(v int64) *Encoder { return e.U64(uint64(v)) }

// Fixed appends a fixed-width byte array verbatim (e.g. hashes, signatures).
func (e *Encoder) Fixed(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// VarBytes appends a length-prefixed (u32) variable byte vector.
func (e *Encoder) VarBytes(b []byte) *Encoder {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// VarString appends a length-prefixed (u32) UTF-8 string.
func (e *Encoder) VarString(s string) *Encoder {
	return e.VarBytes([]byte(s))
}

// Decoder reads canonical bytes in the same order they were written.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) need(n int) error {
	if d.remaining() < n {
		return fmt.Errorf("xdr: need %d bytes, have %d", n, d.remaining())
	}
	return nil
}

func (d *Decoder) U8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) U16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) U32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) U64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

func (d *Decoder) Fixed(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

func (d *Decoder) VarBytes() ([]byte, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	return d.Fixed(int(n))
}

func (d *Decoder) VarString() (string, error) {
	b, err := d.VarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Done reports whether the decoder has consumed every byte; callers use it
// to catch trailing-garbage format errors.
func (d *Decoder) Done() bool { return d.remaining() == 0 }
