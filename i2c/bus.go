// Package i2c opens a Linux I2C bus through periph.io for the port expander
// back-end.
package i2c

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/sdspi"
)

var _ sdspi.I2CBus = &GenericBus{}

type GenericBus struct {
	mx  sync.Mutex
	bus i2c.BusCloser
}

// NewGenericBus opens dev, e.g. "/dev/i2c-1" or "I2C1".
func NewGenericBus(dev string) (*GenericBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("periph driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	return &GenericBus{
		bus: bus,
	}, nil
}

// SetSpeed sets the bus clock in Hz.
func (b *GenericBus) SetSpeed(hz int64) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if err := b.bus.SetSpeed(physic.Frequency(hz) * physic.Hertz); err != nil {
		return fmt.Errorf("could not set i2c speed: %w", err)
	}
	return nil
}

func (b *GenericBus) ReadFromAddr(_ context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) WriteToAddr(_ context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) Release(_ context.Context) error {
	return nil
}

func (b *GenericBus) Close() error {
	return b.bus.Close()
}
