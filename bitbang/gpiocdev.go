package bitbang

import (
	"context"
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/mklimuk/sdspi"
)

var _ sdspi.Pins = &LinePins{}

// LineOffsets names the GPIO chip lines wired to the card.
type LineOffsets struct {
	SCK  int `yaml:"sck"`
	MOSI int `yaml:"mosi"`
	MISO int `yaml:"miso"`
	CS   int `yaml:"cs"`
}

// LinePins drives the card through the Linux GPIO character device.
type LinePins struct {
	sck, mosi, miso, cs *gpiocdev.Line
}

// NewLinePins requests the four lines on chip (e.g. "gpiochip0").
func NewLinePins(chip string, offsets LineOffsets) (*LinePins, error) {
	p := &LinePins{}
	var err error
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()
	consumer := gpiocdev.WithConsumer("sdspi")
	// chip-select first so the card stays deselected while the rest is set up
	if p.cs, err = gpiocdev.RequestLine(chip, offsets.CS, gpiocdev.AsOutput(1), consumer); err != nil {
		return nil, fmt.Errorf("could not request cs line %d: %w", offsets.CS, err)
	}
	if p.sck, err = gpiocdev.RequestLine(chip, offsets.SCK, gpiocdev.AsOutput(0), consumer); err != nil {
		return nil, fmt.Errorf("could not request sck line %d: %w", offsets.SCK, err)
	}
	if p.mosi, err = gpiocdev.RequestLine(chip, offsets.MOSI, gpiocdev.AsOutput(1), consumer); err != nil {
		return nil, fmt.Errorf("could not request mosi line %d: %w", offsets.MOSI, err)
	}
	if p.miso, err = gpiocdev.RequestLine(chip, offsets.MISO, gpiocdev.AsInput, gpiocdev.WithPullUp, consumer); err != nil {
		return nil, fmt.Errorf("could not request miso line %d: %w", offsets.MISO, err)
	}
	return p, nil
}

func level(high bool) int {
	if high {
		return 1
	}
	return 0
}

func (p *LinePins) SetSCK(_ context.Context, high bool) error {
	return p.sck.SetValue(level(high))
}

func (p *LinePins) SetMOSI(_ context.Context, high bool) error {
	return p.mosi.SetValue(level(high))
}

func (p *LinePins) SetCS(_ context.Context, high bool) error {
	return p.cs.SetValue(level(high))
}

func (p *LinePins) MISO(_ context.Context) (bool, error) {
	v, err := p.miso.Value()
	return v != 0, err
}

func (p *LinePins) Close() error {
	var errs []error
	for _, l := range []*gpiocdev.Line{p.sck, p.mosi, p.miso, p.cs} {
		if l != nil {
			errs = append(errs, l.Close())
		}
	}
	return errors.Join(errs...)
}
