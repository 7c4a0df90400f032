package adapter

import (
	"context"
	"fmt"

	"github.com/mklimuk/sdspi"
)

// GPIO is one of the four general purpose pins of the MCP2221.
type GPIO int

const (
	GP0 GPIO = iota
	GP1
	GP2
	GP3
)

// SetGPIO drives one pin. Direction is changed as well when output differs
// from the pin's current configuration.
func (d *MCP2221) SetGPIO(ctx context.Context, pin GPIO, mode GPIOMode, high bool) error {
	if pin < GP0 || pin > GP3 {
		return fmt.Errorf("invalid GPIO %d", pin)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = 0x50
	// 4 bytes per pin starting at GP0: alter output, value, alter direction, direction
	off := 2 + 4*int(pin)
	d.request[off] = 0x01
	if high {
		d.request[off+1] = 0x01
	}
	d.request[off+2] = 0x01
	if mode == GPIOModeIn {
		d.request[off+3] = 0x01
	}
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set GPIO command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

// PinMap assigns the SPI signals to adapter pins.
type PinMap struct {
	SCK  GPIO `yaml:"sck"`
	MOSI GPIO `yaml:"mosi"`
	MISO GPIO `yaml:"miso"`
	CS   GPIO `yaml:"cs"`
}

// DefaultPinMap is GP0 clock, GP1 data out, GP2 data in and GP3 chip-select.
var DefaultPinMap = PinMap{SCK: GP0, MOSI: GP1, MISO: GP2, CS: GP3}

var _ sdspi.Pins = &Pins{}

// Pins exposes the adapter GPIOs as SPI lines for bit-banging. Every edge is
// a USB round trip, so this only suits slow, occasional access.
type Pins struct {
	dev *MCP2221
	pm  PinMap
}

// NewPins switches all four pins to GPIO operation with the mapped directions.
func NewPins(ctx context.Context, dev *MCP2221, pm PinMap) (*Pins, error) {
	params := MCP2221GPIOParameters{}
	modes := [4]*GPIOMode{&params.GPIO0Mode, &params.GPIO1Mode, &params.GPIO2Mode, &params.GPIO3Mode}
	for _, pin := range []GPIO{pm.SCK, pm.MOSI, pm.MISO, pm.CS} {
		if pin < GP0 || pin > GP3 {
			return nil, fmt.Errorf("invalid GPIO %d in pin map", pin)
		}
	}
	*modes[pm.MISO] = GPIOModeIn
	if err := dev.SetGPIOParameters(ctx, params); err != nil {
		return nil, fmt.Errorf("could not configure adapter GPIOs: %w", err)
	}
	return &Pins{dev: dev, pm: pm}, nil
}

func (p *Pins) SetSCK(ctx context.Context, high bool) error {
	return p.dev.SetGPIO(ctx, p.pm.SCK, GPIOModeOut, high)
}

func (p *Pins) SetMOSI(ctx context.Context, high bool) error {
	return p.dev.SetGPIO(ctx, p.pm.MOSI, GPIOModeOut, high)
}

func (p *Pins) SetCS(ctx context.Context, high bool) error {
	return p.dev.SetGPIO(ctx, p.pm.CS, GPIOModeOut, high)
}

func (p *Pins) MISO(ctx context.Context) (bool, error) {
	values, err := p.dev.Read(ctx)
	if err != nil {
		return false, err
	}
	return values[p.pm.MISO] != 0, nil
}
