// Package register decodes the 16 byte CID and CSD registers an SD/MMC card
// returns in SPI mode. Byte 0 is the first byte received from the card, i.e.
// bits 127..120 of the register.
package register

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the length in bytes of both the CID and the CSD.
const Size = 16

// BlockSize is the logical block length every transfer uses.
const BlockSize = 512

var (
	ErrShortRegister     = errors.New("register: expected 16 bytes")
	ErrUnknownCSDVersion = errors.New("register: unknown CSD structure version")
)

// CID is the card identification register.
type CID struct {
	ManufacturerID byte   `yaml:"manufacturer_id"`
	OEMID          string `yaml:"oem_id"`
	ProductName    string `yaml:"product_name"`
	HardwareRev    byte   `yaml:"hardware_rev"`
	FirmwareRev    byte   `yaml:"firmware_rev"`
	Serial         uint32 `yaml:"serial"`
	Year           int    `yaml:"year"`
	Month          int    `yaml:"month"`
	CRC            byte   `yaml:"crc"`
}

// DecodeCID unpacks a raw CID.
func DecodeCID(raw []byte) (CID, error) {
	if len(raw) < Size {
		return CID{}, ErrShortRegister
	}
	return CID{
		ManufacturerID: raw[0],
		OEMID:          string(raw[1:3]),
		ProductName:    string(raw[3:8]),
		HardwareRev:    raw[8] >> 4,
		FirmwareRev:    raw[8] & 0x0F,
		Serial:         binary.BigEndian.Uint32(raw[9:13]),
		// MDT [19:8]: year offset from 2000 in the upper 8 bits, month in the lower 4
		Year:  2000 + int((raw[13]&0x0F)<<4|raw[14]>>4),
		Month: int(raw[14] & 0x0F),
		CRC:   raw[15] >> 1,
	}, nil
}

func (c CID) String() string {
	return fmt.Sprintf("%s %d.%d (mid %#02x, oem %s, sn %08x, %04d-%02d)",
		c.ProductName, c.HardwareRev, c.FirmwareRev, c.ManufacturerID, c.OEMID, c.Serial, c.Year, c.Month)
}

// CSDVersion is the CSD_STRUCTURE field.
type CSDVersion byte

const (
	CSDVersion1 CSDVersion = 0 // standard capacity
	CSDVersion2 CSDVersion = 1 // high and extended capacity
)

// CSD is the card specific data register. The concrete type is CSDv1 or CSDv2,
// selected by the structure version in the first byte.
type CSD interface {
	Version() CSDVersion
	// Capacity returns the user area size in bytes.
	Capacity() uint64
	Common() CSDCommon
}

// CSDCommon holds the fields both layouts place at the same bit positions.
type CSDCommon struct {
	TAAC             byte   `yaml:"taac"`
	NSAC             byte   `yaml:"nsac"`
	TranSpeed        byte   `yaml:"tran_speed"`
	CCC              uint16 `yaml:"ccc"`
	ReadBlLen        byte   `yaml:"read_bl_len"`
	ReadBlPartial    bool   `yaml:"read_bl_partial"`
	WriteBlkMisalign bool   `yaml:"write_blk_misalign"`
	ReadBlkMisalign  bool   `yaml:"read_blk_misalign"`
	DSRImp           bool   `yaml:"dsr_imp"`
	EraseBlkEn       bool   `yaml:"erase_blk_en"`
	SectorSize       byte   `yaml:"sector_size"`
	WPGrpSize        byte   `yaml:"wp_grp_size"`
	WPGrpEnable      bool   `yaml:"wp_grp_enable"`
	R2WFactor        byte   `yaml:"r2w_factor"`
	WriteBlLen       byte   `yaml:"write_bl_len"`
	WriteBlPartial   bool   `yaml:"write_bl_partial"`
	FileFormatGrp    bool   `yaml:"file_format_grp"`
	Copy             bool   `yaml:"copy"`
	PermWriteProtect bool   `yaml:"perm_write_protect"`
	TmpWriteProtect  bool   `yaml:"tmp_write_protect"`
	FileFormat       byte   `yaml:"file_format"`
	CRC              byte   `yaml:"crc"`
}

// CSDv1 is the standard capacity layout.
type CSDv1 struct {
	CSDCommon   `yaml:",inline"`
	CSize       uint16 `yaml:"c_size"`
	VddRCurrMin byte   `yaml:"vdd_r_curr_min"`
	VddRCurrMax byte   `yaml:"vdd_r_curr_max"`
	VddWCurrMin byte   `yaml:"vdd_w_curr_min"`
	VddWCurrMax byte   `yaml:"vdd_w_curr_max"`
	CSizeMult   byte   `yaml:"c_size_mult"`
}

// CSDv2 is the high capacity layout.
type CSDv2 struct {
	CSDCommon `yaml:",inline"`
	CSize     uint32 `yaml:"c_size"`
}

func (CSDv1) Version() CSDVersion { return CSDVersion1 }
func (c CSDv1) Common() CSDCommon { return c.CSDCommon }
func (CSDv2) Version() CSDVersion { return CSDVersion2 }
func (c CSDv2) Common() CSDCommon { return c.CSDCommon }

// Capacity is BLOCKNR * BLOCK_LEN where BLOCKNR = (C_SIZE+1) * 2^(C_SIZE_MULT+2)
// and BLOCK_LEN = 2^READ_BL_LEN.
func (c CSDv1) Capacity() uint64 {
	return uint64(c.CSize+1) << (uint(c.CSizeMult) + 2 + uint(c.ReadBlLen))
}

// Capacity is (C_SIZE+1) units of 1024 blocks of 512 bytes.
func (c CSDv2) Capacity() uint64 {
	return (uint64(c.CSize) + 1) << 10 * BlockSize
}

// DecodeCSD unpacks a raw CSD into the layout its version field selects.
func DecodeCSD(raw []byte) (CSD, error) {
	if len(raw) < Size {
		return nil, ErrShortRegister
	}
	common := decodeCommon(raw)
	switch CSDVersion(raw[0] >> 6) {
	case CSDVersion1:
		return CSDv1{
			CSDCommon: common,
			// C_SIZE [73:62] spans bytes 6, 7 and 8
			CSize:       uint16(raw[6]&0x03)<<10 | uint16(raw[7])<<2 | uint16(raw[8]>>6),
			VddRCurrMin: raw[8] >> 3 & 0x07,
			VddRCurrMax: raw[8] & 0x07,
			VddWCurrMin: raw[9] >> 5,
			VddWCurrMax: raw[9] >> 2 & 0x07,
			// C_SIZE_MULT [49:47] spans bytes 9 and 10
			CSizeMult: (raw[9]&0x03)<<1 | raw[10]>>7,
		}, nil
	case CSDVersion2:
		return CSDv2{
			CSDCommon: common,
			// C_SIZE [69:48]
			CSize: uint32(raw[7]&0x3F)<<16 | uint32(raw[8])<<8 | uint32(raw[9]),
		}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCSDVersion, raw[0]>>6)
}

func decodeCommon(raw []byte) CSDCommon {
	return CSDCommon{
		TAAC:             raw[1],
		NSAC:             raw[2],
		TranSpeed:        raw[3],
		CCC:              uint16(raw[4])<<4 | uint16(raw[5]>>4),
		ReadBlLen:        raw[5] & 0x0F,
		ReadBlPartial:    raw[6]&0x80 != 0,
		WriteBlkMisalign: raw[6]&0x40 != 0,
		ReadBlkMisalign:  raw[6]&0x20 != 0,
		DSRImp:           raw[6]&0x10 != 0,
		EraseBlkEn:       raw[10]&0x40 != 0,
		SectorSize:       (raw[10]&0x3F)<<1 | raw[11]>>7,
		WPGrpSize:        raw[11] & 0x7F,
		WPGrpEnable:      raw[12]&0x80 != 0,
		R2WFactor:        raw[12] >> 2 & 0x07,
		WriteBlLen:       (raw[12]&0x03)<<2 | raw[13]>>6,
		WriteBlPartial:   raw[13]&0x20 != 0,
		FileFormatGrp:    raw[14]&0x80 != 0,
		Copy:             raw[14]&0x40 != 0,
		PermWriteProtect: raw[14]&0x20 != 0,
		TmpWriteProtect:  raw[14]&0x10 != 0,
		FileFormat:       raw[14] >> 2 & 0x03,
		CRC:              raw[15] >> 1,
	}
}
