package spi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/drivers/spi"

	"github.com/mklimuk/sdspi"
)

var _ sdspi.Bus = &GobotBus{}

// Adaptor is a Gobot platform adaptor offering SPI and digital outputs, e.g.
// the NanoPi NEO adaptor.
type Adaptor interface {
	spi.Connector
	gpio.DigitalWriter
}

// GobotBus drives a card through a Gobot SPI connection. Chip-select is a
// digital output of the same adaptor.
type GobotBus struct {
	mx     sync.Mutex
	conn   spi.Connection
	writer gpio.DigitalWriter
	csPin  string
	log    *slog.Logger
}

// NewGobotBus opens the adaptor's default SPI bus and chip in mode 0. csPin
// is the adaptor's name for the chip-select line.
func NewGobotBus(adaptor Adaptor, csPin string, opts ...Opt) (*GobotBus, error) {
	config := options(opts)
	// SD cards use mode 0 (CPOL=0, CPHA=0)
	conn, err := adaptor.GetSpiConnection(adaptor.SpiDefaultBusNumber(), adaptor.SpiDefaultChipNumber(), 0, 8, config.Speed)
	if err != nil {
		return nil, fmt.Errorf("could not open spi connection: %w", err)
	}
	b := &GobotBus{
		conn:   conn,
		writer: adaptor,
		csPin:  csPin,
		log:    config.Logger,
	}
	if err := b.setCS(1); err != nil {
		return nil, err
	}
	return b, nil
}

// Exchange runs one full-duplex transfer: command and data have equal length.
func (b *GobotBus) Exchange(ctx context.Context, out byte) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0xFF, err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	rx := make([]byte, 1)
	if err := b.conn.ReadCommandData([]byte{out}, rx); err != nil {
		return 0xFF, fmt.Errorf("spi transfer failed: %w", err)
	}
	trace(ctx, b.log, "gobot", out, rx[0])
	return rx[0], nil
}

func (b *GobotBus) Select(_ context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.setCS(0)
}

func (b *GobotBus) Deselect(_ context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.setCS(1)
}

func (b *GobotBus) setCS(level byte) error {
	if err := b.writer.DigitalWrite(b.csPin, level); err != nil {
		return fmt.Errorf("could not set chip-select %s: %w", b.csPin, err)
	}
	return nil
}

// Halt releases chip-select. The connection itself is cached by the adaptor
// and closed when the adaptor is finalized.
func (b *GobotBus) Halt() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.setCS(1)
}
