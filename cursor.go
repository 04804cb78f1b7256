package bmff

import (
	"encoding/binary"
	"math"
)

var be = binary.BigEndian

const uint32Max = math.MaxUint32

// Cursor is a bounds-checked big-endian reader over a byte slice.
// Every read fails with ErrTruncatedData instead of panicking when the
// buffer is too short; the cursor does not advance on failure.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a Cursor positioned at the start of buf.
func NewCursor(buf []byte) Cursor {
	return Cursor{buf: buf}
}

// Pos returns the current read position.
func (c *Cursor) Pos() int { return c.pos }

// Len returns the length of the underlying buffer.
func (c *Cursor) Len() int { return len(c.buf) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

func (c *Cursor) need(n int) error {
	if n < 0 || c.Remaining() < n {
		return &BoxError{Offset: int64(c.pos), Err: ErrTruncatedData}
	}
	return nil
}

// Uint8 reads one byte.
func (c *Cursor) Uint8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

// Uint16 reads a big-endian uint16.
func (c *Cursor) Uint16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := be.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

// Uint24 reads a big-endian 24-bit value, as used by FullBox flags.
func (c *Cursor) Uint24() (uint32, error) {
	if err := c.need(3); err != nil {
		return 0, err
	}
	b := c.buf[c.pos:]
	c.pos += 3
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// Uint32 reads a big-endian uint32.
func (c *Cursor) Uint32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := be.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

// Int32 reads a big-endian two's complement int32.
func (c *Cursor) Int32() (int32, error) {
	v, err := c.Uint32()
	return int32(v), err
}

// Uint64 reads a big-endian uint64.
func (c *Cursor) Uint64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := be.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

// UintN reads a 32-bit value when wide is false and a 64-bit value otherwise.
// This is the version-dependent field width of mvhd, tkhd, mdhd and tfdt.
func (c *Cursor) UintN(wide bool) (uint64, error) {
	if wide {
		return c.Uint64()
	}
	v, err := c.Uint32()
	return uint64(v), err
}

// Bytes returns the next n bytes. The slice aliases the underlying buffer.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return b, nil
}

// Rest returns every unread byte and moves to the end.
func (c *Cursor) Rest() []byte {
	b := c.buf[c.pos:]
	c.pos = len(c.buf)
	return b
}

// Skip advances the position by n bytes.
func (c *Cursor) Skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// saturate32 clamps v to the largest value a 32-bit field can hold.
func saturate32(v uint64) uint32 {
	if v > uint32Max {
		return uint32Max
	}
	return uint32(v)
}

// Saturate32 clamps v to math.MaxUint32. Durations that overflow a
// version 0 header field are stored this way rather than rejected.
func Saturate32(v uint64) uint32 { return saturate32(v) }
