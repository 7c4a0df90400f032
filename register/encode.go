package register

import (
	"encoding/binary"

	"github.com/mklimuk/sdspi/crc"
)

// Bytes packs the CID back into its wire layout, recomputing the CRC7.
func (c CID) Bytes() [Size]byte {
	var raw [Size]byte
	raw[0] = c.ManufacturerID
	copy(raw[1:3], padded(c.OEMID, 2))
	copy(raw[3:8], padded(c.ProductName, 5))
	raw[8] = c.HardwareRev<<4 | c.FirmwareRev&0x0F
	binary.BigEndian.PutUint32(raw[9:13], c.Serial)
	year := byte(0)
	if c.Year >= 2000 {
		year = byte(c.Year - 2000)
	}
	raw[13] = year >> 4
	raw[14] = year<<4 | byte(c.Month)&0x0F
	raw[15] = crc.CRC7(0, raw[:15])
	return raw
}

// Bytes packs a standard capacity CSD.
func (c CSDv1) Bytes() [Size]byte {
	raw := encodeCommon(CSDVersion1, c.CSDCommon)
	raw[6] |= byte(c.CSize>>10) & 0x03
	raw[7] = byte(c.CSize >> 2)
	raw[8] = byte(c.CSize)<<6 | (c.VddRCurrMin&0x07)<<3 | c.VddRCurrMax&0x07
	raw[9] = (c.VddWCurrMin&0x07)<<5 | (c.VddWCurrMax&0x07)<<2 | (c.CSizeMult>>1)&0x03
	raw[10] |= (c.CSizeMult & 0x01) << 7
	raw[15] = crc.CRC7(0, raw[:15])
	return raw
}

// Bytes packs a high capacity CSD.
func (c CSDv2) Bytes() [Size]byte {
	raw := encodeCommon(CSDVersion2, c.CSDCommon)
	raw[7] = byte(c.CSize>>16) & 0x3F
	raw[8] = byte(c.CSize >> 8)
	raw[9] = byte(c.CSize)
	raw[15] = crc.CRC7(0, raw[:15])
	return raw
}

func encodeCommon(version CSDVersion, c CSDCommon) [Size]byte {
	var raw [Size]byte
	raw[0] = byte(version) << 6
	raw[1] = c.TAAC
	raw[2] = c.NSAC
	raw[3] = c.TranSpeed
	raw[4] = byte(c.CCC >> 4)
	raw[5] = byte(c.CCC)<<4 | c.ReadBlLen&0x0F
	raw[6] = flag(c.ReadBlPartial, 7) | flag(c.WriteBlkMisalign, 6) | flag(c.ReadBlkMisalign, 5) | flag(c.DSRImp, 4)
	raw[10] = flag(c.EraseBlkEn, 6) | (c.SectorSize>>1)&0x3F
	raw[11] = c.SectorSize<<7 | c.WPGrpSize&0x7F
	raw[12] = flag(c.WPGrpEnable, 7) | (c.R2WFactor&0x07)<<2 | (c.WriteBlLen>>2)&0x03
	raw[13] = c.WriteBlLen<<6 | flag(c.WriteBlPartial, 5)
	raw[14] = flag(c.FileFormatGrp, 7) | flag(c.Copy, 6) | flag(c.PermWriteProtect, 5) |
		flag(c.TmpWriteProtect, 4) | (c.FileFormat&0x03)<<2
	return raw
}

func flag(set bool, bit uint) byte {
	if set {
		return 1 << bit
	}
	return 0
}

func padded(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}
