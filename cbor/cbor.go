// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cbor

import (
	"encoding/binary"
	"math"
)

// Major types (high 3 bits)
const (
	unsignedIntMajorType byte = 0x00
	negativeIntMajorType byte = 0x01
	byteStringMajorType  byte = 0x02
	textStringMajorType  byte = 0x03
	arrayMajorType       byte = 0x04
	mapMajorType         byte = 0x05
	simpleMajorType      byte = 0x07
)

// Additional info (low 5 bits)
const (
	oneByteAdditional    byte = 0x18
	twoBytesAdditional   byte = 0x19
	fourBytesAdditional  byte = 0x1a
	eightBytesAdditional byte = 0x1b
)

// Well-known simple values
const (
	falseVal byte = 0x14
	trueVal  byte = 0x15
	nullVal  byte = 0x16
)

// Out is an encoding cursor. It either counts the bytes an encoding would
// take (see [NewCounter]) or writes them to a fixed buffer (see [NewWriter]).
//
// Each Write method returns the number of bytes the item takes, or 0 if the
// item did not fit or the offset would overflow. After a failure, Offset is
// undefined and must be reset by the caller before the cursor is used again.
type Out struct {
	// Offset is the number of bytes consumed so far.
	Offset int

	writing bool
	buf     []byte
}

// NewCounter returns a cursor which performs all size and overflow
// arithmetic but never writes. It is used for the first pass of the two-pass
// encoding discipline. The zero value of Out is also a counter.
func NewCounter() *Out { return &Out{} }

// NewWriter returns a cursor which writes into buf. Encodings which do not fit
// within len(buf) are rejected.
func NewWriter(buf []byte) *Out {
	if buf == nil {
		buf = []byte{}
	}
	return &Out{writing: true, buf: buf}
}

// Counting reports whether the cursor only measures.
func (o *Out) Counting() bool { return !o.writing }

// Size returns the number of bytes consumed so far.
func (o *Out) Size() int { return o.Offset }

// Bytes returns the written bytes. It is always nil for a counter.
func (o *Out) Bytes() []byte {
	if !o.writing || o.Offset > len(o.buf) {
		return nil
	}
	return o.buf[:o.Offset]
}

// reserve advances the offset by n and returns the slice to be filled, which
// is nil when counting. ok is false on overflow or insufficient capacity.
func (o *Out) reserve(n int) (b []byte, ok bool) {
	if o.Offset < 0 || n > math.MaxInt-o.Offset {
		return nil, false
	}
	end := o.Offset + n
	if !o.writing {
		o.Offset = end
		return nil, true
	}
	if end > len(o.buf) {
		return nil, false
	}
	b = o.buf[o.Offset:end]
	o.Offset = end
	return b, true
}

// headerSize is the number of bytes taken by the initial byte and any
// following length bytes.
func headerSize(u64 uint64) int {
	switch {
	case u64 < uint64(oneByteAdditional):
		return 1
	case u64 <= math.MaxUint8:
		return 2
	case u64 <= math.MaxUint16:
		return 3
	case u64 <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

func putHeader(b []byte, majorType byte, u64 uint64) {
	typ := (majorType & 0x07) << 5
	switch len(b) {
	case 1:
		b[0] = typ | byte(u64)
	case 2:
		b[0] = typ | oneByteAdditional
		b[1] = byte(u64)
	case 3:
		b[0] = typ | twoBytesAdditional
		binary.BigEndian.PutUint16(b[1:], uint16(u64))
	case 5:
		b[0] = typ | fourBytesAdditional
		binary.BigEndian.PutUint32(b[1:], uint32(u64))
	case 9:
		b[0] = typ | eightBytesAdditional
		binary.BigEndian.PutUint64(b[1:], u64)
	default:
		panic("header was not 1, 2, 3, 5, or 9 bytes")
	}
}

func (o *Out) writeHeader(majorType byte, u64 uint64) int {
	n := headerSize(u64)
	b, ok := o.reserve(n)
	if !ok {
		return 0
	}
	if o.writing {
		putHeader(b, majorType, u64)
	}
	return n
}

// reserveBytes reserves a header and its payload as one unit so that a failed
// payload never leaves a dangling header. The header is filled in and the
// payload slice is returned (nil when counting).
func (o *Out) reserveBytes(majorType byte, size int) (payload []byte, n int) {
	hdr := headerSize(uint64(size))
	if size > math.MaxInt-hdr {
		return nil, 0
	}
	n = hdr + size
	b, ok := o.reserve(n)
	if !ok {
		return nil, 0
	}
	if !o.writing {
		return nil, n
	}
	putHeader(b[:hdr], majorType, uint64(size))
	return b[hdr:], n
}

// WriteInt encodes a signed integer using the shortest form.
func (o *Out) WriteInt(v int64) int {
	if v < 0 {
		// -1 - v cannot overflow for any negative int64
		return o.writeHeader(negativeIntMajorType, uint64(-1-v))
	}
	return o.writeHeader(unsignedIntMajorType, uint64(v))
}

// WriteUint encodes an unsigned integer using the shortest form.
func (o *Out) WriteUint(v uint64) int { return o.writeHeader(unsignedIntMajorType, v) }

// WriteBstr encodes a byte string.
func (o *Out) WriteBstr(p []byte) int {
	b, n := o.reserveBytes(byteStringMajorType, len(p))
	copy(b, p)
	return n
}

// WriteTstr encodes a text string. The string is copied as-is and is not
// checked for valid UTF-8.
func (o *Out) WriteTstr(s string) int {
	b, n := o.reserveBytes(textStringMajorType, len(s))
	copy(b, s)
	return n
}

// WriteArray encodes an array header. The caller is responsible for writing
// exactly n items afterward.
func (o *Out) WriteArray(n uint64) int { return o.writeHeader(arrayMajorType, n) }

// WriteMap encodes a map header. The caller is responsible for writing
// exactly n key-value pairs afterward.
func (o *Out) WriteMap(n uint64) int { return o.writeHeader(mapMajorType, n) }

// WriteFalse encodes the simple value false.
func (o *Out) WriteFalse() int { return o.writeHeader(simpleMajorType, uint64(falseVal)) }

// WriteTrue encodes the simple value true.
func (o *Out) WriteTrue() int { return o.writeHeader(simpleMajorType, uint64(trueVal)) }

// WriteNull encodes the simple value null.
func (o *Out) WriteNull() int { return o.writeHeader(simpleMajorType, uint64(nullVal)) }
