package spi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	rpio "github.com/stianeikeland/go-rpio/v4"

	"github.com/mklimuk/sdspi"
)

var _ sdspi.Bus = &RPIOBus{}

// RPIOBus uses the Raspberry Pi SPI0 controller through /dev/gpiomem. The
// hardware chip-select lines are left alone and csPin (BCM numbering) is
// driven instead.
type RPIOBus struct {
	mx  sync.Mutex
	dev rpio.SpiDev
	cs  rpio.Pin
	log *slog.Logger
}

func NewRPIOBus(csPin uint8, opts ...Opt) (*RPIOBus, error) {
	config := options(opts)
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("could not open gpio memory: %w", err)
	}
	if err := rpio.SpiBegin(rpio.Spi0); err != nil {
		_ = rpio.Close()
		return nil, fmt.Errorf("could not start spi0: %w", err)
	}
	rpio.SpiSpeed(int(config.Speed))
	rpio.SpiMode(0, 0)
	cs := rpio.Pin(csPin)
	cs.Output()
	cs.High()
	return &RPIOBus{
		dev: rpio.Spi0,
		cs:  cs,
		log: config.Logger,
	}, nil
}

func (b *RPIOBus) Exchange(ctx context.Context, out byte) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0xFF, err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	buf := []byte{out}
	rpio.SpiExchange(buf)
	trace(ctx, b.log, "rpio", out, buf[0])
	return buf[0], nil
}

func (b *RPIOBus) Select(_ context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.cs.Low()
	return nil
}

func (b *RPIOBus) Deselect(_ context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.cs.High()
	return nil
}

func (b *RPIOBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.cs.High()
	rpio.SpiEnd(b.dev)
	return rpio.Close()
}
