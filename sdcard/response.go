package sdcard

import "strings"

// R1 is the single byte status returned after every command.
type R1 byte

const (
	R1Idle          R1 = 0x01
	R1EraseReset    R1 = 0x02
	R1IllegalCmd    R1 = 0x04
	R1CommandCRC    R1 = 0x08
	R1EraseSequence R1 = 0x10
	R1AddressError  R1 = 0x20
	R1ParameterErr  R1 = 0x40
)

var r1Names = []struct {
	flag R1
	name string
}{
	{R1Idle, "idle"},
	{R1EraseReset, "erase reset"},
	{R1IllegalCmd, "illegal command"},
	{R1CommandCRC, "command crc"},
	{R1EraseSequence, "erase sequence"},
	{R1AddressError, "address error"},
	{R1ParameterErr, "parameter error"},
}

func (r R1) String() string {
	switch r {
	case 0x00:
		return "ready"
	case idleByte:
		return "no response"
	}
	var flags []string
	for _, f := range r1Names {
		if r&f.flag != 0 {
			flags = append(flags, f.name)
		}
	}
	return strings.Join(flags, "|")
}

// DataResponse is the token a card returns after each written block.
type DataResponse byte

const (
	DataAccepted    DataResponse = 0x05
	DataCRCError    DataResponse = 0x0B
	DataWriteError  DataResponse = 0x0D
	NoDataResponse  DataResponse = 0xFF
	dataResponseKey              = 0x11
)

func (d DataResponse) Accepted() bool {
	return d&0x1F == DataAccepted
}

func (d DataResponse) String() string {
	if d == NoDataResponse {
		return "none"
	}
	switch d & 0x1F {
	case DataAccepted:
		return "accepted"
	case DataCRCError:
		return "crc error"
	case DataWriteError:
		return "write error"
	}
	return "invalid"
}

// isDataResponse matches the xxx0sss1 token pattern.
func isDataResponse(b byte) bool {
	return b&dataResponseKey == 0x01
}

// BlockTrailer describes the end of one 512 byte block.
type BlockTrailer struct {
	// CRC is the CRC16 sent for writes or received for reads.
	CRC uint16
	// Response is only meaningful for writes.
	Response DataResponse
}
