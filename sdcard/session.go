package sdcard

import (
	"fmt"

	"github.com/mklimuk/sdspi/register"
)

// Session records how far initialization progressed. Flags only move forward
// until the next Initialize call clears them.
type Session struct {
	ResetAcknowledged    bool `yaml:"reset_acknowledged"`
	InitAcknowledged     bool `yaml:"init_acknowledged"`
	BlockLengthConfirmed bool `yaml:"block_length_confirmed"`
	Active               bool `yaml:"active"`
	// Version2 is set when the card answered the interface condition command.
	Version2 bool `yaml:"version2"`
	// BlockAddressed cards take block numbers instead of byte offsets.
	BlockAddressed bool         `yaml:"block_addressed"`
	MMC            bool         `yaml:"mmc"`
	OCR            uint32       `yaml:"ocr"`
	CID            register.CID `yaml:"cid"`
	// CSD is nil when the card reported an unknown structure version.
	CSD    register.CSD        `yaml:"csd,omitempty"`
	RawCID [register.Size]byte `yaml:"-"`
	RawCSD [register.Size]byte `yaml:"-"`
}

func (s Session) Capacity() (uint64, error) {
	if !s.Active {
		return 0, ErrNotActive
	}
	if s.CSD == nil {
		_, err := register.DecodeCSD(s.RawCSD[:])
		return 0, fmt.Errorf("sdcard: capacity: %w", err)
	}
	return s.CSD.Capacity(), nil
}

// Blocks is the number of 512 byte blocks on the card.
func (s Session) Blocks() (uint64, error) {
	capacity, err := s.Capacity()
	if err != nil {
		return 0, err
	}
	return capacity / BlockSize, nil
}

// argument turns a byte offset into a data command argument.
func (s Session) argument(addr uint64) (uint32, error) {
	if !s.BlockAddressed {
		if addr > 0xFFFFFFFF {
			return 0, fmt.Errorf("sdcard: address 0x%X beyond byte addressing range", addr)
		}
		return uint32(addr), nil
	}
	if addr%BlockSize != 0 {
		return 0, fmt.Errorf("%w: 0x%X", ErrUnalignedAddress, addr)
	}
	return uint32(addr / BlockSize), nil
}
