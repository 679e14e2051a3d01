// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package wire implements a structural decoder for the binary tag/wire-type
// format used on the mesh. The records are protobuf-shaped but the decoder is
// hand-rolled: real gateways emit the same field numbers with mixed fixed32
// and varint encodings, and repeated integers arrive both packed and
// unpacked, which generated protobuf code will not tolerate.
package wire

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

// maxFieldBytes caps a single length-delimited field. The protocol maximum is
// far smaller; the cap bounds allocation on malformed input.
const maxFieldBytes = 64 * 1024

// maxVarintBytes is the longest legal varint: 64 bits at 7 bits per byte.
const maxVarintBytes = 10

// Decode errors, matched with errors.Is.
var (
	// ErrTruncated means the input ended inside a field.
	ErrTruncated = errors.New("truncated input")
	// ErrVarint means a varint ran past 10 bytes without terminating.
	ErrVarint = errors.New("varint exceeds 10 bytes")
	// ErrEncoding means a string field held invalid UTF-8.
	ErrEncoding = errors.New("string field is not valid utf-8")
	// ErrFieldTooLarge means a length-delimited field exceeded the 64 KiB cap.
	ErrFieldTooLarge = errors.New("length-delimited field exceeds cap")
	// ErrWireType means a field arrived with a wire type its decoder cannot use.
	ErrWireType = errors.New("unexpected wire type")
)

// Wire types
const (
	wtVarint  = 0
	wtFixed64 = 1
	wtBytes   = 2
	wtGroupS  = 3
	wtGroupE  = 4
	wtFixed32 = 5
)

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) done() bool {
	return d.pos >= len(d.buf)
}

// readTag reads the next (field, wireType) pair. The tag itself is a varint
// so field numbers above 15 work.
func (d *decoder) readTag() (int, int, error) {
	v, err := d.readVarint()
	if err != nil {
		return 0, 0, err
	}
	field := int(v >> 3)
	wt := int(v & 0x7)
	if field == 0 {
		return 0, 0, errors.Wrap(ErrWireType, "field number 0")
	}
	return field, wt, nil
}

func (d *decoder) readVarint() (uint64, error) {
	var val uint64
	var shift uint
	for i := 0; i < maxVarintBytes; i++ {
		if d.pos >= len(d.buf) {
			return 0, ErrTruncated
		}
		b := d.buf[d.pos]
		d.pos++
		val |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return val, nil
		}
		shift += 7
	}
	return 0, ErrVarint
}

func (d *decoder) readFixed32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) readFixed64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) readBytes() ([]byte, error) {
	n, err := d.readVarint()
	if err != nil {
		return nil, err
	}
	if n > maxFieldBytes {
		return nil, ErrFieldTooLarge
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, ErrTruncated
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *decoder) readString() (string, error) {
	b, err := d.readBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrEncoding
	}
	return string(b), nil
}

// uint32Field accepts the two encodings gateways use for node numbers and
// packet ids: fixed32 on the wire, varint from some peers.
func (d *decoder) uint32Field(wt int) (uint32, error) {
	switch wt {
	case wtFixed32:
		return d.readFixed32()
	case wtVarint:
		v, err := d.readVarint()
		return uint32(v), err
	}
	return 0, errors.Wrapf(ErrWireType, "wire type %d for integer field", wt)
}

// floatField reads a 32-bit IEEE float.
func (d *decoder) floatField(wt int) (float32, error) {
	if wt != wtFixed32 {
		return 0, errors.Wrapf(ErrWireType, "wire type %d for float field", wt)
	}
	bits, err := d.readFixed32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// skip consumes a field of the given wire type without interpreting it.
// Deprecated group markers are tolerated: a start-group skips nested fields
// until the matching end-group, a stray end-group is a no-op. The reserved
// single-byte wire types consume one byte with a warning.
func (d *decoder) skip(wt int) error {
	switch wt {
	case wtVarint:
		_, err := d.readVarint()
		return err
	case wtFixed64:
		_, err := d.readFixed64()
		return err
	case wtBytes:
		_, err := d.readBytes()
		return err
	case wtGroupS:
		for !d.done() {
			_, nested, err := d.readTag()
			if err != nil {
				return err
			}
			if nested == wtGroupE {
				return nil
			}
			if err := d.skip(nested); err != nil {
				return err
			}
		}
		return ErrTruncated
	case wtGroupE:
		return nil
	case wtFixed32:
		_, err := d.readFixed32()
		return err
	default:
		if d.pos >= len(d.buf) {
			return ErrTruncated
		}
		log.Warnf("wire: tolerating reserved wire type %d, consuming one byte", wt)
		d.pos++
		return nil
	}
}
