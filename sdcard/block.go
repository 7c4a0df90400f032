package sdcard

import (
	"context"
	"errors"
	"fmt"

	"github.com/mklimuk/sdspi/crc"
)

// ReadBlock reads the 512 byte block at addr into dst.
func (c *Card) ReadBlock(ctx context.Context, addr uint64, dst []byte) error {
	if len(dst) != BlockSize {
		return fmt.Errorf("%w: %d", ErrBufferSize, len(dst))
	}
	t, err := c.BeginTransfer(ctx, addr, Read, SingleBlock)
	if err != nil {
		return err
	}
	if _, err := t.Read(ctx, dst); err != nil {
		return errors.Join(err, t.abort(ctx))
	}
	sum, err := t.End(ctx)
	if err != nil {
		return err
	}
	return c.verify(addr, sum, dst)
}

// WriteBlock writes src to the 512 byte block at addr. A data response other
// than accepted fails with ErrWriteRejected.
func (c *Card) WriteBlock(ctx context.Context, addr uint64, src []byte) error {
	if len(src) != BlockSize {
		return fmt.Errorf("%w: %d", ErrBufferSize, len(src))
	}
	t, err := c.BeginTransfer(ctx, addr, Write, SingleBlock)
	if err != nil {
		return err
	}
	if _, err := t.Write(ctx, src); err != nil {
		return errors.Join(err, t.abort(ctx))
	}
	if _, err := t.End(ctx); err != nil {
		return err
	}
	if resp := t.Last().Response; !resp.Accepted() {
		return fmt.Errorf("%w: block at 0x%X: %s", ErrWriteRejected, addr, resp)
	}
	return nil
}

// ReadBlocks reads len(dst)/512 consecutive blocks with one multi-block transfer.
func (c *Card) ReadBlocks(ctx context.Context, addr uint64, dst []byte) error {
	if len(dst) == 0 || len(dst)%BlockSize != 0 {
		return fmt.Errorf("%w: %d", ErrBufferSize, len(dst))
	}
	t, err := c.BeginTransfer(ctx, addr, Read, MultiBlock)
	if err != nil {
		return err
	}
	for off := 0; off < len(dst); off += BlockSize {
		block := dst[off : off+BlockSize]
		if err := t.StartSubBlock(ctx); err != nil {
			return err
		}
		if _, err := t.Read(ctx, block); err != nil {
			return errors.Join(err, t.abort(ctx))
		}
		trailer, err := t.StopSubBlock(ctx)
		if err != nil {
			return errors.Join(err, t.abort(ctx))
		}
		if err := c.verify(addr+uint64(off), trailer.CRC, block); err != nil {
			return errors.Join(err, t.abort(ctx))
		}
	}
	_, err = t.End(ctx)
	return err
}

// WriteBlocks writes src as consecutive blocks with one multi-block transfer.
// The transfer is ended at the first block the card does not accept.
func (c *Card) WriteBlocks(ctx context.Context, addr uint64, src []byte) error {
	if len(src) == 0 || len(src)%BlockSize != 0 {
		return fmt.Errorf("%w: %d", ErrBufferSize, len(src))
	}
	t, err := c.BeginTransfer(ctx, addr, Write, MultiBlock)
	if err != nil {
		return err
	}
	var rejected error
	for off := 0; off < len(src); off += BlockSize {
		if err := t.StartSubBlock(ctx); err != nil {
			return errors.Join(err, t.abort(ctx))
		}
		if _, err := t.Write(ctx, src[off:off+BlockSize]); err != nil {
			return errors.Join(err, t.abort(ctx))
		}
		trailer, err := t.StopSubBlock(ctx)
		if err != nil {
			return errors.Join(err, t.abort(ctx))
		}
		if !trailer.Response.Accepted() {
			rejected = fmt.Errorf("%w: block at 0x%X: %s", ErrWriteRejected, addr+uint64(off), trailer.Response)
			break
		}
	}
	_, err = t.End(ctx)
	return errors.Join(rejected, err)
}

func (c *Card) verify(addr uint64, sum uint16, data []byte) error {
	if !c.config.VerifyReadCRC {
		return nil
	}
	if want := crc.CRC16(0, data); sum != want {
		return fmt.Errorf("%w: block at 0x%X: got 0x%04X, want 0x%04X", ErrCRCMismatch, addr, sum, want)
	}
	return nil
}
