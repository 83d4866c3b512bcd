package model

import (
	"errors"
	"math"
)

// =============================================================================
// MsgPack subset used on the wire: fixarray/array16, float64, int64, fixint,
// fixstr/str8. Hand-rolled so the hot path does not allocate.
// =============================================================================

var (
	errShortFrame = errors.New("model: short msgpack frame")
	errFrameShape = errors.New("model: unexpected msgpack frame shape")
	errWrongType  = errors.New("model: unexpected msgpack type")
)

func appendArrayHeader(b []byte, n int) []byte {
	if n < 16 {
		return append(b, 0x90|byte(n))
	}
	return append(b, 0xdc, byte(n>>8), byte(n))
}

func appendFloat64(b []byte, v float64) []byte {
	b = append(b, 0xcb)
	bits := math.Float64bits(v)
	return append(b, byte(bits>>56), byte(bits>>48), byte(bits>>40), byte(bits>>32),
		byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
}

func appendInt64(b []byte, v int64) []byte {
	// positive fixint
	if v >= 0 && v <= 127 {
		return append(b, byte(v))
	}
	// negative fixint
	if v < 0 && v >= -32 {
		return append(b, byte(v))
	}
	b = append(b, 0xd3)
	b = append(b, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return b
}

func appendString(b []byte, s string) []byte {
	if len(s) < 32 {
		b = append(b, 0xa0|byte(len(s)))
	} else {
		b = append(b, 0xd9, byte(len(s)))
	}
	return append(b, s...)
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) next() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, errShortFrame
	}
	c := d.buf[d.off]
	d.off++
	return c, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if d.off+n > len(d.buf) {
		return nil, errShortFrame
	}
	p := d.buf[d.off : d.off+n]
	d.off += n
	return p, nil
}

func (d *decoder) readArrayLen() (int, error) {
	c, err := d.next()
	if err != nil {
		return 0, err
	}
	switch {
	case c&0xf0 == 0x90:
		return int(c & 0x0f), nil
	case c == 0xdc:
		p, err := d.take(2)
		if err != nil {
			return 0, err
		}
		return int(p[0])<<8 | int(p[1]), nil
	}
	return 0, errWrongType
}

func (d *decoder) readInt64() (int64, error) {
	c, err := d.next()
	if err != nil {
		return 0, err
	}
	switch {
	case c <= 0x7f:
		return int64(c), nil
	case c >= 0xe0:
		return int64(int8(c)), nil
	case c == 0xd3:
		p, err := d.take(8)
		if err != nil {
			return 0, err
		}
		return int64(be64(p)), nil
	}
	return 0, errWrongType
}

func (d *decoder) readFloat64() (float64, error) {
	c, err := d.next()
	if err != nil {
		return 0, err
	}
	if c != 0xcb {
		return 0, errWrongType
	}
	p, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(be64(p)), nil
}

func (d *decoder) readString() (string, error) {
	c, err := d.next()
	if err != nil {
		return "", err
	}
	var n int
	switch {
	case c&0xe0 == 0xa0:
		n = int(c & 0x1f)
	case c == 0xd9:
		l, err := d.next()
		if err != nil {
			return "", err
		}
		n = int(l)
	default:
		return "", errWrongType
	}
	p, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func be64(p []byte) uint64 {
	return uint64(p[0])<<56 | uint64(p[1])<<48 | uint64(p[2])<<40 | uint64(p[3])<<32 |
		uint64(p[4])<<24 | uint64(p[5])<<16 | uint64(p[6])<<8 | uint64(p[7])
}
