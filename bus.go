package sdspi

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

// Bus is a full-duplex SPI link to a single card. Exchange clocks one byte out
// and returns the byte shifted in at the same time. Select and Deselect drive
// the card's chip-select line (active low).
type Bus interface {
	Exchange(ctx context.Context, out byte) (byte, error)
	Select(ctx context.Context) error
	Deselect(ctx context.Context) error
}

// Pins is the line-level view of an SPI link used by bit-banged buses.
// Chip-select is active low: SetCS(false) selects the card.
type Pins interface {
	SetSCK(ctx context.Context, high bool) error
	SetMOSI(ctx context.Context, high bool) error
	SetCS(ctx context.Context, high bool) error
	MISO(ctx context.Context) (bool, error)
}

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

// I2CBus carries the port expander that can stand in for native SPI pins.
type I2CBus interface {
	AddressableReader
	AddressableWriter
}
