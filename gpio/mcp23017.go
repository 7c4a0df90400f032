// Package gpio drives an MCP23017 I2C port expander and exposes one of its
// ports as SPI lines, so a card can be reached from boards that only have I2C.
package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/sdspi"
)

type register int

const DefaultMCP23017Address = 0x21

const (
	IODIRA register = iota
	IOPOLA
	GPINTENA
	DEFVALA
	INTCONA
	IOCONA
	GPPUA
	INTFA
	INTCAPA
	GPIOA
	OLATA
	IODIRB
	IOPOLB
	GPINTENB
	DEFVALB
	INTCONB
	IOCONB
	GPPUB
	INTFB
	INTCAPB
	GPIOB
	OLATB
)

// BankAddr maps registers to addresses for IOCON.BANK = 0 and 1.
var BankAddr = []map[register]byte{
	{
		IODIRA:   0x00,
		IOPOLA:   0x02,
		GPINTENA: 0x04,
		DEFVALA:  0x06,
		INTCONA:  0x08,
		IOCONA:   0x0A,
		GPPUA:    0x0C,
		INTFA:    0x0E,
		INTCAPA:  0x10,
		GPIOA:    0x12,
		OLATA:    0x14,
		IODIRB:   0x01,
		IOPOLB:   0x03,
		GPINTENB: 0x05,
		DEFVALB:  0x07,
		INTCONB:  0x09,
		IOCONB:   0x0B,
		GPPUB:    0x0D,
		INTFB:    0x0F,
		INTCAPB:  0x11,
		GPIOB:    0x13,
		OLATB:    0x15,
	},
	{
		IODIRA:   0x00,
		IOPOLA:   0x01,
		GPINTENA: 0x02,
		DEFVALA:  0x03,
		INTCONA:  0x04,
		IOCONA:   0x05,
		GPPUA:    0x06,
		INTFA:    0x07,
		INTCAPA:  0x08,
		GPIOA:    0x09,
		OLATA:    0x0A,
		IODIRB:   0x10,
		IOPOLB:   0x11,
		GPINTENB: 0x12,
		DEFVALB:  0x13,
		INTCONB:  0x14,
		IOCONB:   0x15,
		GPPUB:    0x16,
		INTFB:    0x17,
		INTCAPB:  0x18,
		GPIOB:    0x19,
		OLATB:    0x1A,
	},
}

type MCP23017 struct {
	mx         sync.Mutex
	transport  sdspi.I2CBus
	bank       int
	address    byte
	retryLimit int
}

type MCP23017Opt func(*MCP23017)

// WithRetryLimit sets how many times a transfer is attempted while the bus
// reports busy.
func WithRetryLimit(limit int) MCP23017Opt {
	return func(m *MCP23017) {
		m.retryLimit = limit
	}
}

func NewMCP23017(bus sdspi.I2CBus, address byte, opts ...MCP23017Opt) *MCP23017 {
	m := &MCP23017{retryLimit: 1, transport: bus, address: address}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// retry repeats op while the bus is busy, releasing it between attempts.
func (m *MCP23017) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, sdspi.ErrBusBusy) {
			return fmt.Errorf("could not %s: %w", what, err)
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("could not %s (retry limit reached): %w", what, err)
}

func (m *MCP23017) writeRegister(ctx context.Context, reg register, value byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg], value})
}

func (m *MCP23017) readRegister(ctx context.Context, reg register) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	err := m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg]})
	if err != nil {
		return 0x00, fmt.Errorf("could not set I/O register address: %w", err)
	}
	buf := make([]byte, 1)
	err = m.transport.ReadFromAddr(ctx, m.address, buf)
	if err != nil {
		return 0x00, fmt.Errorf("could not read gpio data: %w", err)
	}
	return buf[0], nil
}

func (m *MCP23017) write(ctx context.Context, what string, reg register, value byte) error {
	return m.retry(ctx, what, func() error {
		return m.writeRegister(ctx, reg, value)
	})
}

func (m *MCP23017) read(ctx context.Context, what string, reg register) (byte, error) {
	var res byte
	err := m.retry(ctx, what, func() error {
		var err error
		res, err = m.readRegister(ctx, reg)
		return err
	})
	return res, err
}

// InitA sets the direction of port A pins (1 = input).
func (m *MCP23017) InitA(ctx context.Context, inout byte) error {
	return m.write(ctx, "initialize gpio A set", IODIRA, inout)
}

// InitB sets the direction of port B pins (1 = input).
func (m *MCP23017) InitB(ctx context.Context, inout byte) error {
	return m.write(ctx, "initialize gpio B set", IODIRB, inout)
}

// PullUpA enables pull-up resistors on port A.
func (m *MCP23017) PullUpA(ctx context.Context, settings byte) error {
	return m.write(ctx, "set pull-up on gpio A set", GPPUA, settings)
}

// PullUpB enables pull-up resistors on port B.
func (m *MCP23017) PullUpB(ctx context.Context, settings byte) error {
	return m.write(ctx, "set pull-up on gpio B set", GPPUB, settings)
}

// WriteA sets the port A output latch.
func (m *MCP23017) WriteA(ctx context.Context, value byte) error {
	return m.write(ctx, "write gpio A set", OLATA, value)
}

// WriteB sets the port B output latch.
func (m *MCP23017) WriteB(ctx context.Context, value byte) error {
	return m.write(ctx, "write gpio B set", OLATB, value)
}

func (m *MCP23017) ReadA(ctx context.Context) (byte, error) {
	return m.read(ctx, "read gpio A set", GPIOA)
}

func (m *MCP23017) ReadB(ctx context.Context) (byte, error) {
	return m.read(ctx, "read gpio B set", GPIOB)
}

// WriteSettings writes the IOCON register. The BANK bit changes the register
// map used for every later access.
func (m *MCP23017) WriteSettings(ctx context.Context, settings byte) error {
	if err := m.write(ctx, "write settings", IOCONA, settings); err != nil {
		return err
	}
	m.mx.Lock()
	m.bank = int(settings >> 7)
	m.mx.Unlock()
	return nil
}
