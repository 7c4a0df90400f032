package gpio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mklimuk/sdspi"
)

// Port selects one of the two 8 bit expander ports.
type Port int

const (
	PortA Port = iota
	PortB
)

func (p Port) String() string {
	if p == PortB {
		return "B"
	}
	return "A"
}

// ParsePort accepts "a" or "b" in either case.
func ParsePort(s string) (Port, error) {
	switch strings.ToUpper(s) {
	case "A":
		return PortA, nil
	case "B":
		return PortB, nil
	}
	return PortA, fmt.Errorf("unknown expander port %q", s)
}

// PortPins are the port bits carrying the SPI lines.
type PortPins struct {
	Port Port  `yaml:"port"`
	SCK  uint8 `yaml:"sck"`
	MOSI uint8 `yaml:"mosi"`
	MISO uint8 `yaml:"miso"`
	CS   uint8 `yaml:"cs"`
}

// DefaultPortPins uses GPA0..GPA3 for clock, data out, data in and chip-select.
var DefaultPortPins = PortPins{Port: PortA, SCK: 0, MOSI: 1, MISO: 2, CS: 3}

var _ sdspi.Pins = &Pins{}

// Pins drives SPI lines on one port of the expander. Outputs are kept in a
// shadow latch so each edge costs a single register write.
type Pins struct {
	mx    sync.Mutex
	dev   *MCP23017
	pins  PortPins
	latch byte
}

// NewPins configures the port: MISO as input with pull-up, the rest as
// outputs with chip-select high and MOSI high.
func NewPins(ctx context.Context, dev *MCP23017, pins PortPins) (*Pins, error) {
	if pins.Port != PortA && pins.Port != PortB {
		return nil, fmt.Errorf("invalid expander port %d", pins.Port)
	}
	for _, bit := range []uint8{pins.SCK, pins.MOSI, pins.MISO, pins.CS} {
		if bit > 7 {
			return nil, fmt.Errorf("invalid port %s bit %d", pins.Port, bit)
		}
	}
	p := &Pins{dev: dev, pins: pins, latch: 1<<pins.CS | 1<<pins.MOSI}
	if err := p.write(ctx, p.latch); err != nil {
		return nil, err
	}
	pullUp, direction := dev.PullUpA, dev.InitA
	if pins.Port == PortB {
		pullUp, direction = dev.PullUpB, dev.InitB
	}
	if err := pullUp(ctx, 1<<pins.MISO); err != nil {
		return nil, err
	}
	if err := direction(ctx, 1<<pins.MISO); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pins) write(ctx context.Context, latch byte) error {
	if p.pins.Port == PortB {
		return p.dev.WriteB(ctx, latch)
	}
	return p.dev.WriteA(ctx, latch)
}

func (p *Pins) set(ctx context.Context, bit uint8, high bool) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	latch := p.latch &^ (1 << bit)
	if high {
		latch |= 1 << bit
	}
	if latch == p.latch {
		return nil
	}
	if err := p.write(ctx, latch); err != nil {
		return err
	}
	p.latch = latch
	return nil
}

func (p *Pins) SetSCK(ctx context.Context, high bool) error {
	return p.set(ctx, p.pins.SCK, high)
}

func (p *Pins) SetMOSI(ctx context.Context, high bool) error {
	return p.set(ctx, p.pins.MOSI, high)
}

func (p *Pins) SetCS(ctx context.Context, high bool) error {
	return p.set(ctx, p.pins.CS, high)
}

func (p *Pins) MISO(ctx context.Context) (bool, error) {
	read := p.dev.ReadA
	if p.pins.Port == PortB {
		read = p.dev.ReadB
	}
	v, err := read(ctx)
	if err != nil {
		return false, err
	}
	return v&(1<<p.pins.MISO) != 0, nil
}
