// Package bitbang clocks SPI mode 0 over plain GPIO lines. It turns any
// sdspi.Pins implementation (GPIO character device, USB bridge, I2C port
// expander) into an sdspi.Bus.
package bitbang

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/sdspi"
	"github.com/mklimuk/sdspi/sdctx"
)

var _ sdspi.Bus = &Bus{}

type Opts struct {
	// HalfPeriod is waited after every clock edge.
	HalfPeriod time.Duration
	Logger     *slog.Logger
}

type Opt func(*Opts)

func WithHalfPeriod(d time.Duration) Opt {
	return func(o *Opts) {
		o.HalfPeriod = d
	}
}

func WithLogger(logger *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = logger
	}
}

type Bus struct {
	mx     sync.Mutex
	pins   sdspi.Pins
	config Opts
	log    *slog.Logger
	mosi   bool
	ready  bool
}

func New(pins sdspi.Pins, opts ...Opt) *Bus {
	var config Opts
	for _, opt := range opts {
		opt(&config)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		pins:   pins,
		config: config,
		log:    logger,
	}
}

// idle puts the lines into their mode 0 rest state: clock low, data high and
// the card deselected.
func (b *Bus) idle(ctx context.Context) error {
	if b.ready {
		return nil
	}
	if err := b.pins.SetCS(ctx, true); err != nil {
		return fmt.Errorf("bitbang: release chip-select: %w", err)
	}
	if err := b.pins.SetSCK(ctx, false); err != nil {
		return fmt.Errorf("bitbang: clock low: %w", err)
	}
	if err := b.pins.SetMOSI(ctx, true); err != nil {
		return fmt.Errorf("bitbang: data high: %w", err)
	}
	b.mosi = true
	b.ready = true
	return nil
}

// Exchange shifts out one byte MSB first, sampling MISO on every rising edge.
func (b *Bus) Exchange(ctx context.Context, out byte) (byte, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if err := b.idle(ctx); err != nil {
		return 0xFF, err
	}
	var in byte
	for bit := 7; bit >= 0; bit-- {
		if err := ctx.Err(); err != nil {
			return 0xFF, err
		}
		level := out&(1<<bit) != 0
		if level != b.mosi {
			if err := b.pins.SetMOSI(ctx, level); err != nil {
				return 0xFF, fmt.Errorf("bitbang: set data: %w", err)
			}
			b.mosi = level
		}
		b.wait()
		if err := b.pins.SetSCK(ctx, true); err != nil {
			return 0xFF, fmt.Errorf("bitbang: clock high: %w", err)
		}
		miso, err := b.pins.MISO(ctx)
		if err != nil {
			return 0xFF, fmt.Errorf("bitbang: sample data: %w", err)
		}
		in <<= 1
		if miso {
			in |= 1
		}
		b.wait()
		if err := b.pins.SetSCK(ctx, false); err != nil {
			return 0xFF, fmt.Errorf("bitbang: clock low: %w", err)
		}
	}
	if sdctx.IsVerbose(ctx) {
		b.log.Debug("bitbang exchange", "out", fmt.Sprintf("%02x", out), "in", fmt.Sprintf("%02x", in))
	}
	return in, nil
}

func (b *Bus) Select(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if err := b.idle(ctx); err != nil {
		return err
	}
	return b.pins.SetCS(ctx, false)
}

func (b *Bus) Deselect(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if err := b.idle(ctx); err != nil {
		return err
	}
	return b.pins.SetCS(ctx, true)
}

func (b *Bus) wait() {
	if b.config.HalfPeriod > 0 {
		time.Sleep(b.config.HalfPeriod)
	}
}
