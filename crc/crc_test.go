package crc

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// bitwise register implementation used by card firmware, kept as a reference
func referenceCRC7(data []byte) byte {
	var crc byte
	for _, c := range data {
		for range 8 {
			crc <<= 1
			if (c^crc)&0x80 != 0 {
				crc ^= 0x09
			}
			c <<= 1
		}
	}
	crc <<= 1
	return crc + 1
}

func TestCRC7_KnownFrames(t *testing.T) {
	tests := []struct {
		name     string
		given    []byte
		expected byte
	}{
		{"CMD0", []byte{0x40, 0x00, 0x00, 0x00, 0x00}, 0x95},
		{"CMD8 0x1AA", []byte{0x48, 0x00, 0x00, 0x01, 0xAA}, 0x87},
		{"CMD17", []byte{0x51, 0x00, 0x00, 0x00, 0x00}, 0x55},
		{"CMD55", []byte{0x77, 0x00, 0x00, 0x00, 0x00}, 0x65},
		{"ACMD41 HCS", []byte{0x69, 0x40, 0x00, 0x00, 0x00}, 0x77},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, CRC7(0, test.given))
		})
	}
}

func TestCRC7_MatchesReference(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := range 200 {
		data := make([]byte, 1+rnd.Intn(16))
		rnd.Read(data)
		assert.Equal(t, referenceCRC7(data), CRC7(0, data), "input %d: % x", i, data)
	}
}

func TestCRC7_EndBitAndResidue(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	for range 100 {
		frame := make([]byte, 5)
		rnd.Read(frame)
		frame[0] = 0x40 | frame[0]&0x3F
		c := CRC7(0, frame)
		assert.Equal(t, byte(0x01), c&0x01, "end bit must be set")
		// appending the checksum leaves a zero remainder
		assert.Equal(t, byte(0x01), CRC7(0, append(frame, c&0xFE)))
	}
}

func TestCRC7_Seed(t *testing.T) {
	frame := []byte{0x51, 0x00, 0x00, 0x02, 0x00}
	head := CRC7(0, frame[:2]) >> 1
	assert.Equal(t, CRC7(0, frame), CRC7(head, frame[2:]))
}

func TestCRC16_Empty(t *testing.T) {
	assert.Equal(t, uint16(0), CRC16(0, nil))
	assert.Equal(t, uint16(0x1234), CRC16(0x1234, []byte{}))
}

func TestCRC16_KnownValues(t *testing.T) {
	assert.Equal(t, uint16(0x31C3), CRC16(0, []byte("123456789")))
	assert.Equal(t, uint16(0x7FA1), CRC16(0, bytes.Repeat([]byte{0xFF}, 512)))
}

func TestCRC16_Linear(t *testing.T) {
	rnd := rand.New(rand.NewSource(16))
	for _, size := range []int{1, 2, 16, 512} {
		t.Run(fmt.Sprintf("len %d", size), func(t *testing.T) {
			for range 20 {
				a := make([]byte, size)
				b := make([]byte, size)
				rnd.Read(a)
				rnd.Read(b)
				x := make([]byte, size)
				for i := range x {
					x[i] = a[i] ^ b[i]
				}
				assert.Equal(t, CRC16(0, a)^CRC16(0, b), CRC16(0, x))
			}
		})
	}
}

func TestCRC16Byte_Streaming(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	data := make([]byte, 512)
	rnd.Read(data)
	var running uint16
	for _, b := range data {
		running = CRC16Byte(running, b)
	}
	assert.Equal(t, CRC16(0, data), running)
}
