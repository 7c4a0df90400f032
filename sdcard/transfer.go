package sdcard

import (
	"context"
	"errors"
	"fmt"

	"github.com/mklimuk/sdspi/crc"
)

type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

type Granularity int

const (
	SingleBlock Granularity = iota
	MultiBlock
)

// Transfer is an open data transfer. The caller streams exactly 512 bytes per
// block through Read or Write; nothing is buffered by the engine.
type Transfer struct {
	card   *Card
	dir    Direction
	gran   Granularity
	addr   uint64
	open   bool // data phase of the current block started
	count  int
	crc    uint16
	last   BlockTrailer
	blocks int
	status R1
	closed bool
}

// BeginTransfer selects the card and issues the read or write command for
// addr. Single block transfers are ready for data on return; multi-block ones
// need StartSubBlock first.
func (c *Card) BeginTransfer(ctx context.Context, addr uint64, dir Direction, gran Granularity) (*Transfer, error) {
	c.mx.Lock()
	if !c.session.Active {
		c.mx.Unlock()
		return nil, ErrNotActive
	}
	if c.transfer != nil {
		c.mx.Unlock()
		return nil, ErrTransferInProgress
	}
	arg, err := c.session.argument(addr)
	if err != nil {
		c.mx.Unlock()
		return nil, err
	}
	t := &Transfer{card: c, dir: dir, gran: gran, addr: addr}
	c.transfer = t
	c.mx.Unlock()

	if err := t.begin(ctx, arg); err != nil {
		return nil, errors.Join(err, t.release(ctx))
	}
	return t, nil
}

func (t *Transfer) begin(ctx context.Context, arg uint32) error {
	c := t.card
	if err := c.enable(ctx); err != nil {
		return err
	}
	index := t.command()
	if err := c.checkedCommand(ctx, index, arg); err != nil {
		return fmt.Errorf("sdcard: begin %s: %w", t.dir, err)
	}
	if t.gran == MultiBlock {
		return nil
	}
	if t.dir == Write {
		if _, err := c.bus.Exchange(ctx, TokenStartBlock); err != nil {
			return fmt.Errorf("sdcard: start token: %w", err)
		}
	} else if err := c.waitStartToken(ctx); err != nil {
		return err
	}
	t.openBlock()
	return nil
}

func (t *Transfer) command() byte {
	switch {
	case t.dir == Read && t.gran == SingleBlock:
		return cmdReadSingle
	case t.dir == Read:
		return cmdReadMulti
	case t.gran == SingleBlock:
		return cmdWriteSingle
	}
	return cmdWriteMulti
}

func (t *Transfer) openBlock() {
	t.open = true
	t.count = 0
	t.crc = 0
}

func (t *Transfer) Direction() Direction { return t.dir }

func (t *Transfer) Granularity() Granularity { return t.gran }

// Blocks returns the number of completed blocks.
func (t *Transfer) Blocks() int { return t.blocks }

// Last returns the trailer of the most recently completed block.
func (t *Transfer) Last() BlockTrailer { return t.last }

// Status is the R1 returned by the end-of-transfer command.
func (t *Transfer) Status() R1 { return t.status }

// StartSubBlock opens the next block of a multi-block transfer.
func (t *Transfer) StartSubBlock(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	if t.gran != MultiBlock {
		return ErrNotMultiBlock
	}
	if t.open {
		return ErrSubBlockOpen
	}
	c := t.card
	if t.dir == Write {
		if err := c.waitIfBusy(ctx); err != nil {
			return err
		}
		if _, err := c.bus.Exchange(ctx, TokenStartMultiWrite); err != nil {
			return fmt.Errorf("sdcard: start token: %w", err)
		}
	} else if err := c.waitStartToken(ctx); err != nil {
		return errors.Join(err, t.abort(ctx))
	}
	t.openBlock()
	return nil
}

// Read clocks len(p) bytes of the current block in from the card.
func (t *Transfer) Read(ctx context.Context, p []byte) (int, error) {
	if err := t.checkData(Read, len(p)); err != nil {
		return 0, err
	}
	for i := range p {
		b, err := t.card.read(ctx)
		if err != nil {
			return i, err
		}
		p[i] = b
		t.crc = crc.CRC16Byte(t.crc, b)
		t.count++
	}
	return len(p), nil
}

// Write clocks len(p) bytes of the current block out to the card.
func (t *Transfer) Write(ctx context.Context, p []byte) (int, error) {
	if err := t.checkData(Write, len(p)); err != nil {
		return 0, err
	}
	for i, b := range p {
		if _, err := t.card.bus.Exchange(ctx, b); err != nil {
			return i, err
		}
		t.crc = crc.CRC16Byte(t.crc, b)
		t.count++
	}
	return len(p), nil
}

// StopSubBlock closes the current block of a multi-block transfer and returns
// its trailer. The data response of a write is returned as received.
func (t *Transfer) StopSubBlock(ctx context.Context) (BlockTrailer, error) {
	if err := t.check(); err != nil {
		return BlockTrailer{}, err
	}
	if t.gran != MultiBlock {
		return BlockTrailer{}, ErrNotMultiBlock
	}
	if !t.open {
		return BlockTrailer{}, ErrNoSubBlock
	}
	if t.count != BlockSize {
		return BlockTrailer{}, fmt.Errorf("%w: %d bytes", ErrShortBlock, t.count)
	}
	return t.trailer(ctx)
}

// End closes the transfer, releases the card and returns the last CRC16 sent
// or received.
func (t *Transfer) End(ctx context.Context) (uint16, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if t.gran == SingleBlock {
		if t.count != BlockSize {
			return 0, errors.Join(fmt.Errorf("%w: %d bytes", ErrShortBlock, t.count), t.abort(ctx))
		}
		if _, err := t.trailer(ctx); err != nil {
			return 0, errors.Join(err, t.release(ctx))
		}
	} else if t.open {
		return 0, errors.Join(ErrSubBlockOpen, t.abort(ctx))
	}
	err := t.stop(ctx)
	return t.last.CRC, errors.Join(err, t.release(ctx))
}

func (t *Transfer) trailer(ctx context.Context) (BlockTrailer, error) {
	c := t.card
	trailer := BlockTrailer{Response: NoDataResponse}
	if t.dir == Write {
		trailer.CRC = t.crc
		for _, b := range []byte{byte(t.crc >> 8), byte(t.crc)} {
			if _, err := c.bus.Exchange(ctx, b); err != nil {
				return trailer, fmt.Errorf("sdcard: crc trailer: %w", err)
			}
		}
		resp, err := t.dataResponse(ctx)
		if err != nil {
			return trailer, err
		}
		trailer.Response = resp
	} else {
		var raw [2]byte
		if err := c.readInto(ctx, raw[:]); err != nil {
			return trailer, fmt.Errorf("sdcard: crc trailer: %w", err)
		}
		trailer.CRC = uint16(raw[0])<<8 | uint16(raw[1])
	}
	t.open = false
	t.last = trailer
	t.blocks++
	return trailer, nil
}

// dataResponse clocks one byte after the CRC and reads the response token,
// allowing the card a few bytes of latency.
func (t *Transfer) dataResponse(ctx context.Context) (DataResponse, error) {
	c := t.card
	for i := 0; i <= c.config.ResponsePolls; i++ {
		b, err := c.read(ctx)
		if err != nil {
			return NoDataResponse, fmt.Errorf("sdcard: data response: %w", err)
		}
		if isDataResponse(b) {
			return DataResponse(b & 0x1F), nil
		}
	}
	return NoDataResponse, nil
}

func (t *Transfer) stop(ctx context.Context) error {
	c := t.card
	if t.dir == Read {
		r, err := c.stopTransmission(ctx)
		if err != nil {
			return err
		}
		t.status = R1(r)
		return c.waitIfBusy(ctx)
	}
	if t.gran == MultiBlock {
		if _, err := c.bus.Exchange(ctx, TokenStopMultiWrite); err != nil {
			return fmt.Errorf("sdcard: stop token: %w", err)
		}
		// one byte before the card signals busy
		if err := c.idleClocks(ctx, 1); err != nil {
			return err
		}
	}
	if err := c.waitIfBusy(ctx); err != nil {
		return err
	}
	r, err := c.command(ctx, cmdSendStatus, 0)
	if err != nil {
		return err
	}
	t.status = R1(r)
	if r == idleByte {
		return nil
	}
	// second status byte of R2
	_, err = c.read(ctx)
	return err
}

// abort stops the card mid-transfer and releases it. Cleanup ignores the
// cancellation of ctx.
func (t *Transfer) abort(ctx context.Context) error {
	if t.closed {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	t.open = false
	err := t.stop(ctx)
	return errors.Join(err, t.release(ctx))
}

// release deselects the card and frees the transfer slot.
func (t *Transfer) release(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	err := t.card.disable(context.WithoutCancel(ctx))
	t.card.mx.Lock()
	if t.card.transfer == t {
		t.card.transfer = nil
	}
	t.card.mx.Unlock()
	return err
}

func (t *Transfer) check() error {
	if t.closed {
		return ErrTransferClosed
	}
	return nil
}

func (t *Transfer) checkData(dir Direction, n int) error {
	if err := t.check(); err != nil {
		return err
	}
	if t.dir != dir {
		return ErrWrongDirection
	}
	if !t.open {
		return ErrNoSubBlock
	}
	if t.count+n > BlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockOverrun, t.count+n)
	}
	return nil
}
