package transport

import "fmt"

// frameReader reads little-endian GATT fields in order. The first short
// read is remembered in err and every later read returns zero.
type frameReader struct {
	buf []byte
	off int
	err error
}

func newFrameReader(buf []byte) *frameReader {
	return &frameReader{buf: buf}
}

func (r *frameReader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("buffer too short for %s at offset %d (len %d)", field, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *frameReader) u8(field string) uint8 {
	b := r.take(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) u16(field string) uint16 {
	b := r.take(2, field)
	if b == nil {
		return 0
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

func (r *frameReader) s16(field string) int16 {
	return int16(r.u16(field))
}

func (r *frameReader) u24(field string) uint32 {
	b := r.take(3, field)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *frameReader) u32(field string) uint32 {
	b := r.take(4, field)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (r *frameReader) skip(n int, field string) {
	r.take(n, field)
}

func (r *frameReader) remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}
