// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package leb128 implements the variable-length integer encoding used by
// the M-VM bytecode format: little-endian base-128 unsigned varints,
// zigzag-mapped signed integers, and the signed-varint composition of the
// two (zigzag applied, then the result uvarint-encoded).
//
// Unlike a stream-oriented LEB128 reader, every function here operates
// directly on a byte slice with an explicit cursor, since the bytecode
// format requires random access to compute token-relative jump offsets
// and token maps without allocating an io.Reader per opcode.
package leb128

import "github.com/MYJ-GOD/M-Language-Core/fault"

// Uvarint32 reads an unsigned base-128 varint of at most 5 bytes (35 bits
// of shift headroom, but the result must fit in 32 bits) from code,
// starting at *pc. On success *pc is advanced past the consumed bytes. On
// failure *pc may have been advanced up to the failure point; the decoded
// value is undefined and fault.BadEncoding is returned.
func Uvarint32(code []byte, pc *int) (uint32, error) {
	var shift uint
	var res uint32
	p := *pc
	for i := 0; i < 5; i++ {
		if p >= len(code) {
			return 0, fault.BadEncoding
		}
		b := code[p]
		p++
		if shift >= 32 {
			return 0, fault.BadEncoding
		}
		res |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			*pc = p
			return res, nil
		}
		shift += 7
	}
	return 0, fault.BadEncoding
}

// Uvarint64 is Uvarint32's 64-bit counterpart, consuming at most 10 bytes.
func Uvarint64(code []byte, pc *int) (uint64, error) {
	var shift uint
	var res uint64
	p := *pc
	for i := 0; i < 10; i++ {
		if p >= len(code) {
			return 0, fault.BadEncoding
		}
		b := code[p]
		p++
		if shift >= 64 {
			return 0, fault.BadEncoding
		}
		res |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			*pc = p
			return res, nil
		}
		shift += 7
	}
	return 0, fault.BadEncoding
}

// Zigzag32 maps a signed 32-bit integer to an unsigned one so that small
// absolute values map to small unsigneds: (n<<1) ^ (n>>31).
func Zigzag32(n int32) uint32 {
	return uint32(n<<1) ^ uint32(n>>31)
}

// UnZigzag32 is Zigzag32's inverse: (u>>1) ^ -(u&1).
func UnZigzag32(u uint32) int32 {
	return int32(u>>1) ^ -int32(u&1)
}

// Zigzag64 is Zigzag32's 64-bit counterpart.
func Zigzag64(n int64) uint64 {
	return uint64(n<<1) ^ uint64(n>>63)
}

// UnZigzag64 is Zigzag64's inverse.
func UnZigzag64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// SignedVarint32 decodes a signed-varint: an unsigned varint whose value
// is the zigzag transform of the signed result. This is the encoding used
// for jump offsets.
func SignedVarint32(code []byte, pc *int) (int32, error) {
	u, err := Uvarint32(code, pc)
	if err != nil {
		return 0, err
	}
	return UnZigzag32(u), nil
}

// SignedVarint64 is SignedVarint32's 64-bit counterpart, used to decode
// LIT literals.
func SignedVarint64(code []byte, pc *int) (int64, error) {
	u, err := Uvarint64(code, pc)
	if err != nil {
		return 0, err
	}
	return UnZigzag64(u), nil
}

// PutUvarint32 appends the base-128 varint encoding of v to buf and
// returns the extended slice.
func PutUvarint32(buf []byte, v uint32) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// PutUvarint64 is PutUvarint32's 64-bit counterpart.
func PutUvarint64(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// PutSignedVarint32 appends the signed-varint encoding of v (zigzag then
// uvarint) to buf.
func PutSignedVarint32(buf []byte, v int32) []byte {
	return PutUvarint32(buf, Zigzag32(v))
}

// PutSignedVarint64 appends the signed-varint encoding of v to buf.
func PutSignedVarint64(buf []byte, v int64) []byte {
	return PutUvarint64(buf, Zigzag64(v))
}
