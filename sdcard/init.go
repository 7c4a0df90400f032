package sdcard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mklimuk/sdspi/crc"
	"github.com/mklimuk/sdspi/register"
)

// Initialize brings the card from power-up to an active session: reset,
// operating condition negotiation, block length and CID/CSD retrieval. A failed
// stage stops the sequence and leaves the session inactive.
func (c *Card) Initialize(ctx context.Context) (Session, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.transfer != nil {
		return c.session, ErrTransferInProgress
	}
	c.session = Session{}

	if err := c.config.Sleep(ctx, c.config.PowerUpDelay); err != nil {
		return c.session, err
	}
	if err := c.bus.Deselect(ctx); err != nil {
		return c.session, fmt.Errorf("sdcard: deselect: %w", err)
	}
	if err := c.idleClocks(ctx, c.config.PowerUpClocks); err != nil {
		return c.session, fmt.Errorf("sdcard: power-up clocks: %w", err)
	}
	if err := c.enable(ctx); err != nil {
		return c.session, errors.Join(err, c.disable(context.WithoutCancel(ctx)))
	}
	err := c.initialize(ctx)
	// chip-select is released even when ctx is already done
	if derr := c.disable(context.WithoutCancel(ctx)); derr != nil {
		err = errors.Join(err, derr)
	}
	return c.session, err
}

func (c *Card) initialize(ctx context.Context) error {
	if err := c.reset(ctx); err != nil {
		return err
	}
	c.session.ResetAcknowledged = true

	if err := c.interfaceCondition(ctx); err != nil {
		return err
	}
	if err := c.negotiate(ctx); err != nil {
		return err
	}
	c.session.InitAcknowledged = true

	if c.session.Version2 {
		if err := c.readOCR(ctx); err != nil {
			return err
		}
	}
	if err := c.setBlockLength(ctx); err != nil {
		return err
	}
	c.session.BlockLengthConfirmed = true

	if err := c.readRegisters(ctx); err != nil {
		return err
	}
	c.session.Active = true
	c.log.Info("sd card ready", "name", c.session.CID.ProductName, "v2", c.session.Version2,
		"block_addressed", c.session.BlockAddressed)
	return nil
}

func (c *Card) reset(ctx context.Context) error {
	ok, err := retry(ctx, c.config.Sleep, c.config.RetryLimit, c.config.RetryDelay, func(n int) (bool, error) {
		r, err := c.command(ctx, cmdGoIdleState, 0)
		if err != nil {
			return false, err
		}
		c.log.Debug("sd reset", "attempt", n+1, "r1", R1(r))
		return r == byte(R1Idle), nil
	})
	if err != nil {
		return fmt.Errorf("sdcard: reset: %w", err)
	}
	if !ok {
		return ErrResetTimeout
	}
	return nil
}

// interfaceCondition tells version 2 cards apart. Older cards reject the
// command as illegal or stay silent.
func (c *Card) interfaceCondition(ctx context.Context) error {
	r, err := c.command(ctx, cmdSendIfCond, ifCondArgument)
	if err != nil {
		return fmt.Errorf("sdcard: interface condition: %w", err)
	}
	if r == idleByte || R1(r)&R1IllegalCmd != 0 {
		return nil
	}
	var echo [4]byte
	if err := c.readInto(ctx, echo[:]); err != nil {
		return fmt.Errorf("sdcard: interface condition: %w", err)
	}
	if echo[2]&0x0F != 0x01 || echo[3] != ifCondArgument&0xFF {
		return fmt.Errorf("%w: echo %X", ErrInterfaceCondition, echo)
	}
	c.session.Version2 = true
	return nil
}

func (c *Card) negotiate(ctx context.Context) error {
	var arg uint32
	if c.session.Version2 {
		arg = hcsBit
	}
	ok, err := retry(ctx, c.config.Sleep, c.config.RetryLimit, c.config.RetryDelay, func(n int) (bool, error) {
		r, mmc, err := c.sendOpCond(ctx, arg)
		if err != nil {
			return false, err
		}
		c.log.Debug("sd init", "attempt", n+1, "r1", R1(r), "mmc", mmc)
		if r != 0x00 {
			return false, nil
		}
		c.session.MMC = mmc
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("sdcard: init: %w", err)
	}
	if !ok {
		return ErrInitTimeout
	}
	return nil
}

// sendOpCond issues the SD application command and falls back to the MMC
// command whenever the card flags it as illegal. A silent card (0xFF) counts
// as illegal. mmc reports which command produced r.
func (c *Card) sendOpCond(ctx context.Context, arg uint32) (r byte, mmc bool, err error) {
	r, err = c.command(ctx, cmdAppCmd, 0)
	if err != nil {
		return r, false, err
	}
	if R1(r)&R1IllegalCmd == 0 {
		r, err = c.command(ctx, cmdAppSendOpCond, arg)
		if err != nil {
			return r, false, err
		}
	}
	if R1(r)&R1IllegalCmd == 0 {
		return r, false, nil
	}
	r, err = c.command(ctx, cmdSendOpCond, 0)
	return r, true, err
}

func (c *Card) readOCR(ctx context.Context) error {
	if err := c.checkedCommand(ctx, cmdReadOCR, 0); err != nil {
		return fmt.Errorf("sdcard: read OCR: %w", err)
	}
	var ocr [4]byte
	if err := c.readInto(ctx, ocr[:]); err != nil {
		return fmt.Errorf("sdcard: read OCR: %w", err)
	}
	c.session.OCR = binary.BigEndian.Uint32(ocr[:])
	c.session.BlockAddressed = c.session.OCR&ocrCCS != 0
	return nil
}

func (c *Card) setBlockLength(ctx context.Context) error {
	ok, err := retry(ctx, c.config.Sleep, c.config.RetryLimit, 0, func(n int) (bool, error) {
		r, err := c.command(ctx, cmdSetBlockLen, BlockSize)
		if err != nil {
			return false, err
		}
		c.log.Debug("sd block length", "attempt", n+1, "r1", R1(r))
		return r == 0x00, nil
	})
	if err != nil {
		return fmt.Errorf("sdcard: block length: %w", err)
	}
	if !ok {
		return ErrBlockLengthTimeout
	}
	return nil
}

func (c *Card) readRegisters(ctx context.Context) error {
	raw, err := c.readRegister(ctx, cmdSendCID)
	if err != nil {
		return fmt.Errorf("sdcard: read CID: %w", err)
	}
	c.session.RawCID = raw
	if c.session.CID, err = register.DecodeCID(raw[:]); err != nil {
		return fmt.Errorf("sdcard: read CID: %w", err)
	}

	raw, err = c.readRegister(ctx, cmdSendCSD)
	if err != nil {
		return fmt.Errorf("sdcard: read CSD: %w", err)
	}
	c.session.RawCSD = raw
	csd, err := register.DecodeCSD(raw[:])
	if err != nil {
		// capacity stays undefined, Capacity reports the decode failure
		c.log.Warn("sd card CSD not decoded", "error", err)
		return nil
	}
	c.session.CSD = csd
	return nil
}

// readRegister reads a 16 byte register block and verifies its CRC16.
func (c *Card) readRegister(ctx context.Context, index byte) ([register.Size]byte, error) {
	var raw [register.Size]byte
	if err := c.checkedCommand(ctx, index, 0); err != nil {
		return raw, err
	}
	if err := c.waitStartToken(ctx); err != nil {
		return raw, err
	}
	if err := c.readInto(ctx, raw[:]); err != nil {
		return raw, err
	}
	var trailer [2]byte
	if err := c.readInto(ctx, trailer[:]); err != nil {
		return raw, err
	}
	if got, want := binary.BigEndian.Uint16(trailer[:]), crc.CRC16(0, raw[:]); got != want {
		return raw, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrRegisterCRC, got, want)
	}
	r, err := c.stopTransmission(ctx)
	if err != nil {
		return raw, err
	}
	c.log.Debug("sd register read", "cmd", index, "stop_r1", R1(r))
	return raw, nil
}
