// Package spi provides sdspi.Bus implementations on top of hardware SPI
// controllers. Chip-select is always driven as a GPIO so it stays asserted
// across the byte exchanges of one command or data block.
package spi

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/mklimuk/sdspi/sdctx"
)

// DefaultSpeed is slow enough for the card identification phase.
const DefaultSpeed = 400_000

type Opts struct {
	// Speed is the clock frequency in Hz.
	Speed  int64
	Logger *slog.Logger
}

type Opt func(*Opts)

func WithSpeed(hz int64) Opt {
	return func(o *Opts) {
		o.Speed = hz
	}
}

func WithLogger(logger *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = logger
	}
}

func options(opts []Opt) Opts {
	o := Opts{Speed: DefaultSpeed}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func trace(ctx context.Context, log *slog.Logger, bus string, out, in byte) {
	if sdctx.IsVerbose(ctx) {
		log.Debug("spi exchange", "bus", bus, "out", hex.EncodeToString([]byte{out}), "in", hex.EncodeToString([]byte{in}))
	}
}
