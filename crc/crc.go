// Package crc implements the two checksums used on an SD card SPI link:
// CRC7 protecting command frames and CRC16-CCITT protecting data blocks.
package crc

import (
	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

// CRC7 runs on an 8 bit register with the 7 bit remainder kept in the upper
// bits, so polynomial x^7+x^3+1 (0x09) is shifted left by one.
var crc7Params = crc8.Params{
	Poly:   0x09 << 1,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0x75 << 1,
	Name:   "CRC-7/MMC",
}

var (
	crc7Table  = crc8.MakeTable(crc7Params)
	crc16Table = crc16.MakeTable(crc16.CRC16_XMODEM)
)

// CRC7 returns the command CRC for data starting from the 7 bit seed. The
// checksum occupies bits 7..1 of the result and bit 0 is the mandatory end bit.
func CRC7(seed byte, data []byte) byte {
	reg := crc8.Update((seed&0x7F)<<1, data, crc7Table)
	return reg | 0x01
}

// CRC16 returns CRC16-CCITT (polynomial 0x1021, MSB first) over data.
func CRC16(seed uint16, data []byte) uint16 {
	return crc16.Update(seed, data, crc16Table)
}

// CRC16Byte feeds a single byte into a running CRC16.
func CRC16Byte(seed uint16, b byte) uint16 {
	seed ^= uint16(b) << 8
	for range 8 {
		if seed&0x8000 != 0 {
			seed = seed<<1 ^ 0x1021
		} else {
			seed <<= 1
		}
	}
	return seed
}
