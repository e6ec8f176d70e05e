package util

import (
	"testing"

	"github.com/smartystreets/assertions"
)

func check(t *testing.T, msg string) {
	t.Helper()
	if msg != "" {
		t.Error(msg)
	}
}

func TestWriteReadUB(t *testing.T) {
	var buf []byte
	buf = WriteUB2(buf, 0xBEEF)
	buf = WriteUB4(buf, 0xDEADBEEF)
	buf = WriteUB8(buf, 0x0102030405060708)
	check(t, assertions.ShouldHaveLength(buf, 14))

	// little-endian layout
	check(t, assertions.ShouldResemble(buf[2:6], []byte{0xEF, 0xBE, 0xAD, 0xDE}))
	check(t, assertions.ShouldEqual(buf[6], byte(0x08)))

	cursor, u2 := ReadUB2(buf, 0)
	check(t, assertions.ShouldEqual(u2, uint16(0xBEEF)))
	cursor, u4 := ReadUB4(buf, cursor)
	check(t, assertions.ShouldEqual(u4, uint32(0xDEADBEEF)))
	cursor, u8 := ReadUB8(buf, cursor)
	check(t, assertions.ShouldEqual(u8, uint64(0x0102030405060708)))
	check(t, assertions.ShouldEqual(cursor, 14))
}

func TestReadBytesCopies(t *testing.T) {
	src := []byte("abcdef")
	cursor, out := ReadBytes(src, 2, 3)
	check(t, assertions.ShouldEqual(cursor, 5))
	check(t, assertions.ShouldResemble(out, []byte("cde")))

	out[0] = 'z'
	check(t, assertions.ShouldEqual(src[2], byte('c')))

	_, empty := ReadBytes(src, 0, 0)
	check(t, assertions.ShouldNotBeNil(empty))
	check(t, assertions.ShouldBeEmpty(empty))
}

func TestPadAndAlign(t *testing.T) {
	buf := PadTo([]byte{1, 2, 3}, 8)
	check(t, assertions.ShouldHaveLength(buf, 8))
	check(t, assertions.ShouldResemble(buf[3:], []byte{0, 0, 0, 0, 0}))

	check(t, assertions.ShouldHaveLength(PadTo(make([]byte, 16), 8), 16))
	check(t, assertions.ShouldEqual(AlignUp(1, 512), 512))
	check(t, assertions.ShouldEqual(AlignUp(512, 512), 512))
	check(t, assertions.ShouldEqual(AlignUp(513, 512), 1024))
	check(t, assertions.ShouldEqual(AlignUp(7, 1), 7))
}
