package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/sdspi"
	"github.com/mklimuk/sdspi/adapter"
	"github.com/mklimuk/sdspi/bitbang"
	"github.com/mklimuk/sdspi/gpio"
	"github.com/mklimuk/sdspi/i2c"
	"github.com/mklimuk/sdspi/sdcard"
	"github.com/mklimuk/sdspi/sim"
	"github.com/mklimuk/sdspi/spi"
)

const (
	adapterSim      = "sim"
	adapterPeriph   = "periph"
	adapterFTDI     = "ftdi"
	adapterGobot    = "gobot"
	adapterRPIO     = "rpio"
	adapterGPIOCDev = "gpiocdev"
	adapterMCP2221  = "mcp2221"
	adapterMCP23017 = "mcp23017"
)

var adapters = []string{adapterSim, adapterPeriph, adapterFTDI, adapterGobot, adapterRPIO, adapterGPIOCDev, adapterMCP2221, adapterMCP23017}

// busFlags select and configure the link to the card. They may all be set
// from the yaml file given with --config.
var busFlags = []cli.Flag{
	altsrc.NewStringFlag(&cli.StringFlag{Name: "adapter", Aliases: []string{"a"}, Value: adapterSim, Usage: fmt.Sprintf("card link, one of %v", adapters)}),
	altsrc.NewInt64Flag(&cli.Int64Flag{Name: "speed", Value: spi.DefaultSpeed, Usage: "SPI clock in Hz"}),
	altsrc.NewStringFlag(&cli.StringFlag{Name: "dev", Value: "SPI0.0", Usage: "spidev device for periph, I2C bus for mcp23017 (or \"mcp2221\")"}),
	altsrc.NewStringFlag(&cli.StringFlag{Name: "cs", Value: "GPIO8", Usage: "chip-select pin name, or BCM number for rpio"}),
	altsrc.NewStringFlag(&cli.StringFlag{Name: "chip", Value: "gpiochip0", Usage: "GPIO chip for gpiocdev"}),
	altsrc.NewIntFlag(&cli.IntFlag{Name: "sck", Value: 11, Usage: "gpiocdev clock line offset"}),
	altsrc.NewIntFlag(&cli.IntFlag{Name: "mosi", Value: 10, Usage: "gpiocdev data out line offset"}),
	altsrc.NewIntFlag(&cli.IntFlag{Name: "miso", Value: 9, Usage: "gpiocdev data in line offset"}),
	altsrc.NewIntFlag(&cli.IntFlag{Name: "cs-line", Value: 8, Usage: "gpiocdev chip-select line offset"}),
	altsrc.NewDurationFlag(&cli.DurationFlag{Name: "half-period", Value: 0, Usage: "bit-bang half clock period"}),
	altsrc.NewIntFlag(&cli.IntFlag{Name: "usb-device", Value: 0, Usage: "MCP2221 index when several are connected"}),
	altsrc.NewIntFlag(&cli.IntFlag{Name: "expander-address", Value: gpio.DefaultMCP23017Address, Usage: "MCP23017 I2C address"}),
	altsrc.NewStringFlag(&cli.StringFlag{Name: "expander-port", Value: "A", Usage: "MCP23017 port carrying the SPI lines (A or B)"}),
	altsrc.NewPathFlag(&cli.PathFlag{Name: "image", Usage: "sim backing image file, in-memory when empty"}),
	altsrc.NewStringFlag(&cli.StringFlag{Name: "kind", Value: sim.SDHC.String(), Usage: "sim card kind: sdsc, sdhc or mmc"}),
	altsrc.NewUintFlag(&cli.UintFlag{Name: "blocks", Value: 8192, Usage: "sim card size in blocks"}),
	altsrc.NewBoolFlag(&cli.BoolFlag{Name: "verify-crc", Usage: "check the CRC16 of every block read"}),
	altsrc.NewDurationFlag(&cli.DurationFlag{Name: "timeout", Value: time.Minute, Usage: "overall command timeout"}),
}

// session is an open link with an initialized card.
type session struct {
	card    *sdcard.Card
	closers []func() error
}

func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openCard connects to the card through the configured adapter and runs the
// initialization sequence.
func openCard(ctx context.Context, c *cli.Context) (*session, error) {
	s := &session{}
	bus, err := openBus(ctx, c, s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	opts := []sdcard.Opt{sdcard.WithVerifyReadCRC(c.Bool("verify-crc")), sdcard.WithLogger(slog.Default())}
	if c.String("adapter") == adapterSim {
		opts = append(opts, sdcard.WithoutDelays())
	}
	s.card = sdcard.New(bus, opts...)
	info, err := s.card.Initialize(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	slog.Debug("card initialized", "version2", info.Version2, "blockAddressed", info.BlockAddressed, "mmc", info.MMC)
	return s, nil
}

func openBus(ctx context.Context, c *cli.Context, s *session) (sdspi.Bus, error) {
	spiOpts := []spi.Opt{spi.WithSpeed(c.Int64("speed")), spi.WithLogger(slog.Default())}
	bbOpts := []bitbang.Opt{bitbang.WithHalfPeriod(c.Duration("half-period")), bitbang.WithLogger(slog.Default())}
	switch name := c.String("adapter"); name {
	case adapterSim:
		return openSim(c, s)
	case adapterPeriph:
		bus, err := spi.NewPeriphBus(c.String("dev"), c.String("cs"), spiOpts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, bus.Close)
		return bus, nil
	case adapterFTDI:
		bus, err := spi.NewFTDIBus(spiOpts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, bus.Close)
		return bus, nil
	case adapterGobot:
		board := nanopi.NewNeoAdaptor()
		if err := board.Connect(); err != nil {
			return nil, fmt.Errorf("could not connect board adaptor: %w", err)
		}
		s.closers = append(s.closers, board.Finalize)
		bus, err := spi.NewGobotBus(board, c.String("cs"), spiOpts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, bus.Halt)
		return bus, nil
	case adapterRPIO:
		pin, err := strconv.ParseUint(c.String("cs"), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("rpio chip-select must be a BCM pin number: %w", err)
		}
		bus, err := spi.NewRPIOBus(uint8(pin), spiOpts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, bus.Close)
		return bus, nil
	case adapterGPIOCDev:
		pins, err := bitbang.NewLinePins(c.String("chip"), bitbang.LineOffsets{
			SCK:  c.Int("sck"),
			MOSI: c.Int("mosi"),
			MISO: c.Int("miso"),
			CS:   c.Int("cs-line"),
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pins.Close)
		return bitbang.New(pins, bbOpts...), nil
	case adapterMCP2221:
		dev, err := openMCP2221(c)
		if err != nil {
			return nil, err
		}
		pins, err := adapter.NewPins(ctx, dev, adapter.DefaultPinMap)
		if err != nil {
			return nil, err
		}
		return bitbang.New(pins, bbOpts...), nil
	case adapterMCP23017:
		port, err := gpio.ParsePort(c.String("expander-port"))
		if err != nil {
			return nil, err
		}
		var bus sdspi.I2CBus
		if c.String("dev") == adapterMCP2221 {
			dev, err := openMCP2221(c)
			if err != nil {
				return nil, err
			}
			bus = dev
		} else {
			generic, err := i2c.NewGenericBus(c.String("dev"))
			if err != nil {
				return nil, err
			}
			s.closers = append(s.closers, generic.Close)
			bus = generic
		}
		portPins := gpio.DefaultPortPins
		portPins.Port = port
		expander := gpio.NewMCP23017(bus, byte(c.Int("expander-address")))
		pins, err := gpio.NewPins(ctx, expander, portPins)
		if err != nil {
			return nil, err
		}
		return bitbang.New(pins, bbOpts...), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q, expected one of %v", name, adapters)
	}
}

func openMCP2221(c *cli.Context) (*adapter.MCP2221, error) {
	dev := adapter.NewMCP2221(adapter.WithDevice(c.Int("usb-device")), adapter.WithLogger(slog.Default()))
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("could not init MCP2221: %w", err)
	}
	return dev, nil
}

func openSim(c *cli.Context, s *session) (sdspi.Bus, error) {
	var kind sim.Kind
	switch c.String("kind") {
	case sim.SDSC.String():
		kind = sim.SDSC
	case sim.SDHC.String():
		kind = sim.SDHC
	case sim.MMC.String():
		kind = sim.MMC
	default:
		return nil, fmt.Errorf("unknown card kind %q", c.String("kind"))
	}
	blocks := uint32(c.Uint("blocks"))
	opts := []sim.Opt{sim.WithKind(kind), sim.WithBlocks(blocks), sim.WithLogger(slog.Default())}
	if path := c.Path("image"); path != "" {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open card image: %w", err)
		}
		s.closers = append(s.closers, f.Close)
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("could not stat card image: %w", err)
		}
		// a short image reads back as zeros past its end
		if size := int64(blocks) * sdcard.BlockSize; info.Size() < size {
			if err := f.Truncate(size); err != nil {
				return nil, fmt.Errorf("could not size card image: %w", err)
			}
		}
		opts = append(opts, sim.WithStore(f))
	}
	return sim.New(opts...)
}
