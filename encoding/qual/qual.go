// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package qual decodes the binary qualifier/value layout of time-series
// cells.
//
// A qualifier describes one or more datapoints relative to the row's
// base time:
//
//   - 2 bytes: one seconds-resolution point. The upper 12 bits of the
//     big-endian word are the offset in seconds, the lower 4 bits are
//     the flags nibble.
//   - 4 bytes with the top nibble of the first byte set: one
//     milliseconds-resolution point. Bits 4..25 are the offset in
//     milliseconds, the lower 4 bits of the last byte are the flags.
//   - any longer even length: a previously merged cell, the
//     concatenation of per-point qualifiers in time order. Its value is
//     the concatenation of the point values, usually followed by one
//     meta byte.
//
// The flags nibble carries a float bit (0x8) and the value length
// minus one (0x7). All functions here are pure and never panic;
// malformed input is reported through error returns and surfaced by
// callers as a malformed row.
package qual

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/grailbio/tscompact/store"
)

const (
	// FlagFloat marks a floating point value in the flags nibble.
	FlagFloat = 0x08
	// LenMask extracts the length bits from the flags nibble;
	// (flags&LenMask)+1 is the declared value length in bytes.
	LenMask = 0x07

	// MSMixedCompact is the meta-byte bit recording that a merged cell
	// carries both seconds- and milliseconds-resolution points.
	MSMixedCompact = 0x01

	msByteFlag    = 0xF0
	sOffsetShift  = 4
	msOffsetShift = 6
	msOffsetMask  = 0x3FFFFF
)

var (
	errTruncatedQualifier = errors.New("qual: truncated qualifier")
	errValueLength        = errors.New("qual: value length does not match qualifier flags")
	errBadFloatValue      = errors.New("qual: 8-byte float value has non-zero leading bytes")
)

// IsMS reports whether the first point described by q has millisecond
// resolution.
func IsMS(q []byte) bool {
	return len(q) > 0 && q[0]&msByteFlag == msByteFlag
}

// PointLen returns the number of qualifier bytes consumed by the first
// point described by q: 4 for a millisecond point, 2 otherwise.
func PointLen(q []byte) int {
	if IsMS(q) {
		return 4
	}
	return 2
}

// Offset returns the time delta of the first point described by q, in
// the point's native resolution: seconds for a 2-byte qualifier,
// milliseconds for a 4-byte one.
func Offset(q []byte) uint32 {
	if IsMS(q) {
		if len(q) < 4 {
			return 0
		}
		return binary.BigEndian.Uint32(q) >> msOffsetShift & msOffsetMask
	}
	if len(q) < 2 {
		return 0
	}
	return uint32(binary.BigEndian.Uint16(q)) >> sOffsetShift
}

// OrderKey returns a key that orders points by time within a row. The
// delta is normalized to milliseconds and shifted one bit, with the
// low bit set for millisecond points, so that a seconds point sorts
// immediately before a milliseconds point at the same instant and two
// points of different resolution never compare equal.
func OrderKey(q []byte) uint32 {
	if IsMS(q) {
		return Offset(q)<<1 | 1
	}
	return Offset(q) * 1000 << 1
}

// Flags returns the flags nibble of the first point described by q.
func Flags(q []byte) byte {
	if IsMS(q) {
		if len(q) < 4 {
			return 0
		}
		return q[3] & 0x0F
	}
	if len(q) < 2 {
		return 0
	}
	return q[1] & 0x0F
}

// ValueLen returns the value length in bytes declared by a flags
// nibble.
func ValueLen(flags byte) int {
	return int(flags&LenMask) + 1
}

// NeedsFloatFix reports whether (flags, value) exhibit the legacy
// write-path bug where a 4-byte float was stored on 8 bytes with the
// leading half zeroed while the flags still declare 4 bytes.
func NeedsFloatFix(flags byte, value []byte) bool {
	return flags&FlagFloat != 0 && flags&LenMask == 0x3 && len(value) == 8
}

// FixFloatValue repairs a value identified by NeedsFloatFix, returning
// the trailing 4 bytes. A non-zero leading half means the value really
// is an 8-byte float mislabeled by the flags, which cannot be repaired
// here.
func FixFloatValue(value []byte) ([]byte, error) {
	if len(value) != 8 {
		return nil, errValueLength
	}
	for _, b := range value[:4] {
		if b != 0 {
			return nil, errBadFloatValue
		}
	}
	return value[4:], nil
}

// FixFlags rewrites the length bits of a flags nibble to declare
// valueLen bytes, preserving the float bit.
func FixFlags(flags byte, valueLen int) byte {
	return flags&^LenMask | byte(valueLen-1)&LenMask
}

// Mixed reports whether a merged cell's meta byte records mixed
// seconds/milliseconds resolutions.
func Mixed(meta byte) bool {
	return meta&MSMixedCompact != 0
}

// Point is a single datapoint extracted from a cell: a 2- or 4-byte
// qualifier, its value bytes, and the point's order key.
type Point struct {
	Qualifier []byte
	Value     []byte
	Key       uint32
}

// CellPoints splits one cell into its datapoints. A single-point cell
// passes its value through whole (repairing the legacy float encoding
// when present); a merged cell's value is carved by the per-point
// declared lengths, tolerating a missing trailing meta byte on cells
// written before the meta byte existed.
func CellPoints(c store.Cell) ([]Point, error) {
	q, v := c.Qualifier, c.Value
	if len(q) == 2 || (len(q) == 4 && IsMS(q)) {
		flags := Flags(q)
		if len(q) == 2 && NeedsFloatFix(flags, v) {
			fixed, err := FixFloatValue(v)
			if err != nil {
				return nil, err
			}
			fq := []byte{q[0], q[1]&0xF0 | FixFlags(flags, len(fixed))}
			return []Point{{Qualifier: fq, Value: fixed, Key: OrderKey(fq)}}, nil
		}
		return []Point{{Qualifier: q, Value: v, Key: OrderKey(q)}}, nil
	}
	if len(q) == 0 || len(q)%2 != 0 {
		return nil, errTruncatedQualifier
	}
	var pts []Point
	vi := 0
	for qi := 0; qi < len(q); {
		n := PointLen(q[qi:])
		if qi+n > len(q) {
			return nil, errTruncatedQualifier
		}
		pq := q[qi : qi+n]
		vn := ValueLen(Flags(pq))
		if vi+vn > len(v) {
			return nil, errValueLength
		}
		key := OrderKey(pq)
		if len(pts) > 0 && key < pts[len(pts)-1].Key {
			return nil, errors.New("qual: merged cell offsets out of order")
		}
		pts = append(pts, Point{Qualifier: pq, Value: v[vi : vi+vn], Key: key})
		qi += n
		vi += vn
	}
	switch len(v) - vi {
	case 0, 1: // 1 is the meta byte; 0 a legacy merged cell without one.
	default:
		return nil, errValueLength
	}
	return pts, nil
}

// Points flattens every cell into per-datapoint entries and returns
// them stably sorted by time.
func Points(cells []store.Cell) ([]Point, error) {
	var pts []Point
	for _, c := range cells {
		p, err := CellPoints(c)
		if err != nil {
			return nil, err
		}
		pts = append(pts, p...)
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Key < pts[j].Key })
	return pts, nil
}
