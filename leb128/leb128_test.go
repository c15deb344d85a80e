package leb128

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/MYJ-GOD/M-Language-Core/fault"
)

var casesUint32 = []struct {
	v uint32
	b []byte
}{
	{v: 8, b: []byte{0x08}},
	{v: 16256, b: []byte{0x80, 0x7f}},
	{v: 2141192192, b: []byte{0x80, 0x80, 0x80, 0xfd, 0x07}},
}

func TestUvarint32(t *testing.T) {
	for _, c := range casesUint32 {
		t.Run(fmt.Sprint(c.v), func(t *testing.T) {
			pc := 0
			n, err := Uvarint32(c.b, &pc)
			if err != nil {
				t.Fatal(err)
			}
			if n != c.v {
				t.Fatalf("got = %d; want = %d", n, c.v)
			}
			if pc != len(c.b) {
				t.Fatalf("pc = %d; want = %d", pc, len(c.b))
			}
		})
	}
}

func TestUvarint32Truncated(t *testing.T) {
	pc := 0
	if _, err := Uvarint32(nil, &pc); err != fault.BadEncoding {
		t.Fatalf("got err=%v, want fault.BadEncoding", err)
	}
}

func TestUvarint32Overwide(t *testing.T) {
	// five continuation bytes never terminate within the 5-byte budget.
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	pc := 0
	if _, err := Uvarint32(buf, &pc); err != fault.BadEncoding {
		t.Fatalf("got err=%v, want fault.BadEncoding", err)
	}
}

var casesVarint32 = []struct {
	v int32
}{
	{v: 0},
	{v: 1},
	{v: -1},
	{v: 135},
	{v: -135},
	{v: 8192},
	{v: -8192},
	{v: 2147483647},
	{v: -2147483648},
}

func TestSignedVarint32RoundTrip(t *testing.T) {
	for _, c := range casesVarint32 {
		t.Run(fmt.Sprint(c.v), func(t *testing.T) {
			buf := PutSignedVarint32(nil, c.v)
			pc := 0
			got, err := SignedVarint32(buf, &pc)
			if err != nil {
				t.Fatal(err)
			}
			if got != c.v {
				t.Fatalf("got = %d; want = %d", got, c.v)
			}
			if pc != len(buf) {
				t.Fatalf("pc = %d; want = %d", pc, len(buf))
			}
		})
	}
}

func TestZigzagRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100000; i++ {
		n32 := int32(r.Uint32())
		if got := UnZigzag32(Zigzag32(n32)); got != n32 {
			t.Fatalf("zigzag32 round trip: got %d want %d", got, n32)
		}
		n64 := int64(r.Uint64())
		if got := UnZigzag64(Zigzag64(n64)); got != n64 {
			t.Fatalf("zigzag64 round trip: got %d want %d", got, n64)
		}
	}
}

func TestUvarintRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 100000; i++ {
		v32 := r.Uint32()
		buf := PutUvarint32(nil, v32)
		pc := 0
		got, err := Uvarint32(buf, &pc)
		if err != nil {
			t.Fatalf("uvarint32(%d): %v", v32, err)
		}
		if got != v32 || pc != len(buf) {
			t.Fatalf("uvarint32 round trip: got %d want %d", got, v32)
		}

		v64 := r.Uint64()
		buf64 := PutUvarint64(nil, v64)
		pc = 0
		got64, err := Uvarint64(buf64, &pc)
		if err != nil {
			t.Fatalf("uvarint64(%d): %v", v64, err)
		}
		if got64 != v64 || pc != len(buf64) {
			t.Fatalf("uvarint64 round trip: got %d want %d", got64, v64)
		}
	}
}

func TestSignedVarint64Literal(t *testing.T) {
	buf := PutSignedVarint64(nil, -129)
	pc := 0
	got, err := SignedVarint64(buf, &pc)
	if err != nil {
		t.Fatal(err)
	}
	if got != -129 {
		t.Fatalf("got = %d; want = -129", got)
	}
}
