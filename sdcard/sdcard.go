// Package sdcard drives an SD or MMC card in SPI mode over an sdspi.Bus.
//
// Typical usage:
//
//	card := sdcard.New(bus)
//	if _, err := card.Initialize(ctx); err != nil {
//		return err
//	}
//	buf := make([]byte, sdcard.BlockSize)
//	err := card.ReadBlock(ctx, 0, buf)
//
// Addresses are byte offsets. Cards reporting block addressing (SDHC/SDXC)
// get the offset converted to a block number, which requires 512 byte alignment.
package sdcard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/sdspi"
	"github.com/mklimuk/sdspi/register"
)

const BlockSize = register.BlockSize

// Command indexes used in SPI mode.
const (
	cmdGoIdleState      byte = 0
	cmdSendOpCond       byte = 1 // MMC initialization
	cmdSendIfCond       byte = 8
	cmdSendCSD          byte = 9
	cmdSendCID          byte = 10
	cmdStopTransmission byte = 12 // end of read
	cmdSendStatus       byte = 13 // end of write
	cmdSetBlockLen      byte = 16
	cmdReadSingle       byte = 17
	cmdReadMulti        byte = 18
	cmdWriteSingle      byte = 24
	cmdWriteMulti       byte = 25
	cmdAppSendOpCond    byte = 41 // SD initialization, sent as an application command
	cmdAppCmd           byte = 55
	cmdReadOCR          byte = 58
)

// Data tokens.
const (
	TokenStartBlock      byte = 0xFE
	TokenStartMultiWrite byte = 0xFC
	TokenStopMultiWrite  byte = 0xFD
)

const (
	idleByte = 0xFF

	ifCondArgument = 0x000001AA // 2.7-3.6V, check pattern 0xAA
	hcsBit         = 1 << 30
	ocrCCS         = 1 << 30
)

var (
	ErrNoResponse         = errors.New("sdcard: card did not respond")
	ErrUnexpectedResponse = errors.New("sdcard: unexpected response")
	ErrResetTimeout       = errors.New("sdcard: card never entered idle state")
	ErrInitTimeout        = errors.New("sdcard: card never left idle state")
	ErrInterfaceCondition = errors.New("sdcard: card rejected interface condition")
	ErrBlockLengthTimeout = errors.New("sdcard: block length not accepted")
	ErrNoStartToken       = errors.New("sdcard: data start token not received")
	ErrDataErrorToken     = errors.New("sdcard: card sent data error token")
	ErrRegisterCRC        = errors.New("sdcard: register CRC mismatch")
	ErrNotActive          = errors.New("sdcard: card not initialized")
	ErrTransferInProgress = errors.New("sdcard: another transfer is in progress")
	ErrTransferClosed     = errors.New("sdcard: transfer already ended")
	ErrWrongDirection     = errors.New("sdcard: operation does not match transfer direction")
	ErrNotMultiBlock      = errors.New("sdcard: sub-blocks only exist in multi-block transfers")
	ErrSubBlockOpen       = errors.New("sdcard: sub-block still open")
	ErrNoSubBlock         = errors.New("sdcard: no sub-block started")
	ErrBlockOverrun       = errors.New("sdcard: more than 512 bytes in block")
	ErrShortBlock         = errors.New("sdcard: block ended before 512 bytes")
	ErrWriteRejected      = errors.New("sdcard: card rejected written data")
	ErrCRCMismatch        = errors.New("sdcard: data CRC mismatch")
	ErrBufferSize         = errors.New("sdcard: buffer is not a multiple of 512 bytes")
	ErrUnalignedAddress   = errors.New("sdcard: address not aligned to block size")
)

// ResponseError carries the R1 status of a rejected command.
type ResponseError struct {
	Command byte
	R1      R1
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("sdcard: CMD%d rejected with %s", e.Command, e.R1)
}

func (e *ResponseError) Unwrap() error { return ErrUnexpectedResponse }

// checkResponse turns an R1 byte into an error unless it reports success.
func checkResponse(command byte, r1 byte) error {
	switch r1 {
	case 0x00:
		return nil
	case idleByte:
		return fmt.Errorf("CMD%d: %w", command, ErrNoResponse)
	}
	return &ResponseError{Command: command, R1: R1(r1)}
}

type Opts struct {
	// RetryLimit bounds the reset, initialization and block length loops.
	RetryLimit int
	// RetryDelay separates reset and initialization attempts.
	RetryDelay time.Duration
	// PollLimit bounds start token and busy polling.
	PollLimit int
	// PollDelay separates start token and busy polls.
	PollDelay time.Duration
	// ResponsePolls is the number of bytes read while waiting for R1.
	ResponsePolls int
	// PowerUpDelay is waited before the first clock is sent to the card.
	PowerUpDelay time.Duration
	// PowerUpClocks idle bytes are sent with chip-select released before reset.
	PowerUpClocks int
	// SyncClocks idle bytes are sent before chip-select is asserted.
	SyncClocks int
	// VerifyReadCRC makes ReadBlock and ReadBlocks compare the data CRC.
	VerifyReadCRC bool
	Logger        *slog.Logger
	Sleep         func(ctx context.Context, d time.Duration) error
}

type Opt func(*Opts)

func WithRetryLimit(limit int) Opt {
	return func(o *Opts) {
		o.RetryLimit = limit
	}
}

func WithRetryDelay(delay time.Duration) Opt {
	return func(o *Opts) {
		o.RetryDelay = delay
	}
}

func WithPollLimit(limit int) Opt {
	return func(o *Opts) {
		o.PollLimit = limit
	}
}

func WithPollDelay(delay time.Duration) Opt {
	return func(o *Opts) {
		o.PollDelay = delay
	}
}

func WithPowerUpDelay(delay time.Duration) Opt {
	return func(o *Opts) {
		o.PowerUpDelay = delay
	}
}

func WithVerifyReadCRC(verify bool) Opt {
	return func(o *Opts) {
		o.VerifyReadCRC = verify
	}
}

func WithLogger(logger *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = logger
	}
}

// WithSleep replaces the delay primitive, e.g. with a no-op in simulations.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Opt {
	return func(o *Opts) {
		o.Sleep = sleep
	}
}

// WithoutDelays zeroes every wait so tests run at bus speed.
func WithoutDelays() Opt {
	return func(o *Opts) {
		o.RetryDelay = 0
		o.PollDelay = 0
		o.PowerUpDelay = 0
	}
}

// Card is a single card session on a bus.
type Card struct {
	mx       sync.Mutex
	bus      sdspi.Bus
	config   Opts
	log      *slog.Logger
	session  Session
	transfer *Transfer
}

func New(bus sdspi.Bus, opts ...Opt) *Card {
	config := Opts{
		RetryLimit:    250,
		RetryDelay:    10 * time.Millisecond,
		PollLimit:     250,
		PollDelay:     time.Millisecond,
		ResponsePolls: 16,
		PowerUpDelay:  100 * time.Millisecond,
		PowerUpClocks: 10,
		SyncClocks:    8,
		Sleep:         sleep,
	}
	for _, opt := range opts {
		opt(&config)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Card{
		bus:    bus,
		config: config,
		log:    logger,
	}
}

// Session returns a copy of the current session state.
func (c *Card) Session() Session {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.session
}

// IsActive reports whether the last initialization completed every stage.
func (c *Card) IsActive() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.session.Active
}

// Capacity returns the card size in bytes as described by the CSD.
func (c *Card) Capacity() (uint64, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.session.Capacity()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
