package sdcard

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/mklimuk/sdspi/crc"
	"github.com/mklimuk/sdspi/sdctx"
)

func commandFrame(index byte, arg uint32) [6]byte {
	var frame [6]byte
	frame[0] = 0x40 | index&0x3F
	binary.BigEndian.PutUint32(frame[1:5], arg)
	frame[5] = crc.CRC7(0, frame[:5])
	return frame
}

// command sends one padding byte and the command frame, then polls for R1.
// When no response arrives the idle byte 0xFF is returned without error.
func (c *Card) command(ctx context.Context, index byte, arg uint32) (byte, error) {
	return c.commandSkip(ctx, index, arg, 0)
}

// stopTransmission sends CMD12. The byte following the frame is a stuff byte
// that may still carry data, so it is not taken as R1.
func (c *Card) stopTransmission(ctx context.Context) (byte, error) {
	return c.commandSkip(ctx, cmdStopTransmission, 0, 1)
}

func (c *Card) commandSkip(ctx context.Context, index byte, arg uint32, skip int) (byte, error) {
	frame := commandFrame(index, arg)
	if sdctx.IsVerbose(ctx) {
		c.log.Debug("sd command", "cmd", index, "frame", hex.EncodeToString(frame[:]))
	}
	if _, err := c.bus.Exchange(ctx, idleByte); err != nil {
		return idleByte, fmt.Errorf("CMD%d: %w", index, err)
	}
	for _, b := range frame {
		if _, err := c.bus.Exchange(ctx, b); err != nil {
			return idleByte, fmt.Errorf("CMD%d: %w", index, err)
		}
	}
	if err := c.idleClocks(ctx, skip); err != nil {
		return idleByte, fmt.Errorf("CMD%d: %w", index, err)
	}
	for i := 0; i < c.config.ResponsePolls; i++ {
		r, err := c.bus.Exchange(ctx, idleByte)
		if err != nil {
			return idleByte, fmt.Errorf("CMD%d: %w", index, err)
		}
		if r != idleByte {
			return r, nil
		}
	}
	return idleByte, nil
}

// checkedCommand fails unless the card answers with a ready R1.
func (c *Card) checkedCommand(ctx context.Context, index byte, arg uint32) error {
	r, err := c.command(ctx, index, arg)
	if err != nil {
		return err
	}
	return checkResponse(index, r)
}

func (c *Card) read(ctx context.Context) (byte, error) {
	return c.bus.Exchange(ctx, idleByte)
}

func (c *Card) readInto(ctx context.Context, p []byte) error {
	for i := range p {
		b, err := c.read(ctx)
		if err != nil {
			return err
		}
		p[i] = b
	}
	return nil
}

func (c *Card) idleClocks(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if _, err := c.read(ctx); err != nil {
			return err
		}
	}
	return nil
}

// enable synchronizes the card clock, asserts chip-select and waits for the
// card to release the data line.
func (c *Card) enable(ctx context.Context) error {
	if err := c.idleClocks(ctx, c.config.SyncClocks); err != nil {
		return fmt.Errorf("sdcard: sync clocks: %w", err)
	}
	if err := c.bus.Select(ctx); err != nil {
		return fmt.Errorf("sdcard: select: %w", err)
	}
	if err := c.idleClocks(ctx, 1); err != nil {
		return fmt.Errorf("sdcard: select clock: %w", err)
	}
	return c.waitIfBusy(ctx)
}

func (c *Card) disable(ctx context.Context) error {
	if err := c.bus.Deselect(ctx); err != nil {
		return fmt.Errorf("sdcard: deselect: %w", err)
	}
	return c.idleClocks(ctx, 1)
}

// waitIfBusy polls until the card stops holding the data line low. Exceeding
// the poll budget is logged and otherwise ignored.
func (c *Card) waitIfBusy(ctx context.Context) error {
	ok, err := retry(ctx, c.config.Sleep, c.config.PollLimit, c.config.PollDelay, func(int) (bool, error) {
		b, err := c.read(ctx)
		return b != 0x00, err
	})
	if err != nil {
		return fmt.Errorf("sdcard: busy wait: %w", err)
	}
	if !ok {
		c.log.Warn("sd card still busy, proceeding", "polls", c.config.PollLimit)
	}
	return nil
}

// waitStartToken polls for the 0xFE token opening a data block.
func (c *Card) waitStartToken(ctx context.Context) error {
	var token byte
	ok, err := retry(ctx, c.config.Sleep, c.config.PollLimit, c.config.PollDelay, func(int) (bool, error) {
		b, err := c.read(ctx)
		if err != nil {
			return false, err
		}
		token = b
		// data error tokens are 0000xxxx
		return b == TokenStartBlock || (b != 0x00 && b&0xF0 == 0), nil
	})
	if err != nil {
		return fmt.Errorf("sdcard: start token: %w", err)
	}
	if !ok {
		return ErrNoStartToken
	}
	if token != TokenStartBlock {
		return fmt.Errorf("%w: 0x%02X", ErrDataErrorToken, token)
	}
	return nil
}
