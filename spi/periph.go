package spi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/mklimuk/sdspi"
)

var _ sdspi.Bus = &PeriphBus{}

// PeriphBus exchanges bytes through a periph.io SPI port, e.g. Linux spidev
// or an FTDI MPSSE bridge.
type PeriphBus struct {
	mx   sync.Mutex
	conn spi.Conn
	cs   gpio.PinOut
	port io.Closer
	log  *slog.Logger
	name string
}

// NewPeriphBus opens the spidev port dev (e.g. "/dev/spidev0.0" or "SPI0.0")
// and uses the GPIO named csPin as chip-select.
func NewPeriphBus(dev string, csPin string, opts ...Opt) (*PeriphBus, error) {
	config := options(opts)
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	port, err := spireg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open spi port: %w", err)
	}
	cs := gpioreg.ByName(csPin)
	if cs == nil {
		_ = port.Close()
		return nil, fmt.Errorf("unknown chip-select pin %q", csPin)
	}
	bus, err := newPeriphBus(port, cs, config, dev)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	bus.port = port
	return bus, nil
}

// NewFTDIBus uses the MPSSE engine of the first FT232H found, with ADBUS4 as
// chip-select.
func NewFTDIBus(opts ...Opt) (*PeriphBus, error) {
	config := options(opts)
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, dev := range ftdi.All() {
		ft, ok := dev.(*ftdi.FT232H)
		if !ok {
			continue
		}
		port, err := ft.SPI()
		if err != nil {
			return nil, fmt.Errorf("could not open ftdi spi port: %w", err)
		}
		bus, err := newPeriphBus(port, ft.D4, config, "ftdi")
		if err != nil {
			_ = port.Close()
			return nil, err
		}
		bus.port = port
		return bus, nil
	}
	return nil, fmt.Errorf("no FT232H device found")
}

func newPeriphBus(port spi.Port, cs gpio.PinOut, config Opts, name string) (*PeriphBus, error) {
	c, err := port.Connect(physic.Frequency(config.Speed)*physic.Hertz, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		return nil, fmt.Errorf("could not connect to spi port: %w", err)
	}
	if err := cs.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("could not release chip-select: %w", err)
	}
	return &PeriphBus{
		conn: c,
		cs:   cs,
		log:  config.Logger,
		name: name,
	}, nil
}

func (b *PeriphBus) Exchange(ctx context.Context, out byte) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0xFF, err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	w := []byte{out}
	r := make([]byte, 1)
	if err := b.conn.Tx(w, r); err != nil {
		return 0xFF, fmt.Errorf("spi transfer on %s failed: %w", b.name, err)
	}
	trace(ctx, b.log, b.name, out, r[0])
	return r[0], nil
}

func (b *PeriphBus) Select(_ context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.cs.Out(gpio.Low)
}

func (b *PeriphBus) Deselect(_ context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.cs.Out(gpio.High)
}

func (b *PeriphBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	err := b.cs.Out(gpio.High)
	if b.port != nil {
		if cerr := b.port.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
