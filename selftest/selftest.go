// Package selftest exercises a freshly initialized card with a fixed series
// of single and multi-block transfers and checks what comes back.
package selftest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/sdspi/sdcard"
)

// Expected sums of the read-back checks.
const (
	SingleBlockSum = 521
	CentralSum     = 2572
)

type Step struct {
	Name     string        `yaml:"name"`
	Address  uint64        `yaml:"address"`
	Blocks   int           `yaml:"blocks"`
	OK       bool          `yaml:"ok"`
	Detail   string        `yaml:"detail,omitempty"`
	Duration time.Duration `yaml:"duration"`
}

type Report struct {
	Steps  []Step `yaml:"steps"`
	Passed bool   `yaml:"passed"`
}

type step struct {
	name   string
	addr   uint64
	blocks int
	run    func(ctx context.Context, card *sdcard.Card, addr uint64) (string, error)
}

var steps = []step{
	{"fill block", 0x0000, 1, fill(0xE0)},
	{"fill block", 0x0200, 1, fill(0xE1)},
	{"card size block", 0x0600, 1, writeSize},
	{"single block sum", 0x0800, 1, singleSum},
	{"multi-block fill", 0x0A00, 5, multiFill},
	{"multi-block central sum", 0xB000, 9, centralSum},
}

// Run executes every step, stopping at the first transfer error. A step whose
// read-back does not match is reported and the run continues.
func Run(ctx context.Context, card *sdcard.Card) (Report, error) {
	report := Report{Passed: true}
	if !card.IsActive() {
		return report, sdcard.ErrNotActive
	}
	for _, s := range steps {
		start := time.Now()
		detail, err := s.run(ctx, card, s.addr)
		res := Step{
			Name:     s.name,
			Address:  s.addr,
			Blocks:   s.blocks,
			OK:       err == nil,
			Detail:   detail,
			Duration: time.Since(start),
		}
		if err != nil {
			res.Detail = err.Error()
			report.Steps = append(report.Steps, res)
			report.Passed = false
			if _, mismatch := err.(mismatchError); mismatch {
				continue
			}
			return report, fmt.Errorf("selftest %s at 0x%X: %w", s.name, s.addr, err)
		}
		slog.Debug("selftest step passed", "step", s.name, "addr", fmt.Sprintf("0x%X", s.addr))
		report.Steps = append(report.Steps, res)
	}
	return report, nil
}

type mismatchError string

func (e mismatchError) Error() string { return string(e) }

func fill(value byte) func(context.Context, *sdcard.Card, uint64) (string, error) {
	return func(ctx context.Context, card *sdcard.Card, addr uint64) (string, error) {
		block := bytes.Repeat([]byte{value}, sdcard.BlockSize)
		if err := card.WriteBlock(ctx, addr, block); err != nil {
			return "", err
		}
		got := make([]byte, sdcard.BlockSize)
		if err := card.ReadBlock(ctx, addr, got); err != nil {
			return "", err
		}
		if !bytes.Equal(block, got) {
			return "", mismatchError(fmt.Sprintf("read back differs from 0x%02X fill", value))
		}
		return fmt.Sprintf("0x%02X", value), nil
	}
}

// writeSize repeats the card size in blocks every 16 bytes, big endian.
func writeSize(ctx context.Context, card *sdcard.Card, addr uint64) (string, error) {
	blocks, err := card.Session().Blocks()
	if err != nil {
		return "", err
	}
	block := make([]byte, sdcard.BlockSize)
	for off := 0; off < len(block); off += 16 {
		binary.BigEndian.PutUint32(block[off:], uint32(blocks))
	}
	tr, err := card.BeginTransfer(ctx, addr, sdcard.Write, sdcard.SingleBlock)
	if err != nil {
		return "", err
	}
	if _, err := tr.Write(ctx, block); err != nil {
		return "", abandon(ctx, tr, err)
	}
	if _, err := tr.End(ctx); err != nil {
		return "", err
	}
	if resp := tr.Last().Response; !resp.Accepted() {
		return "", fmt.Errorf("%w: %s", sdcard.ErrWriteRejected, resp)
	}
	return fmt.Sprintf("%d blocks", blocks), nil
}

// singleSum writes 0x09, 510 times 0x01 and 0x02, then sums the block read back.
func singleSum(ctx context.Context, card *sdcard.Card, addr uint64) (string, error) {
	tr, err := card.BeginTransfer(ctx, addr, sdcard.Write, sdcard.SingleBlock)
	if err != nil {
		return "", err
	}
	for _, chunk := range [][]byte{{0x09}, bytes.Repeat([]byte{0x01}, sdcard.BlockSize-2), {0x02}} {
		if _, err := tr.Write(ctx, chunk); err != nil {
			return "", abandon(ctx, tr, err)
		}
	}
	if _, err := tr.End(ctx); err != nil {
		return "", err
	}
	if resp := tr.Last().Response; !resp.Accepted() {
		return "", fmt.Errorf("%w: %s", sdcard.ErrWriteRejected, resp)
	}

	tr, err = card.BeginTransfer(ctx, addr, sdcard.Read, sdcard.SingleBlock)
	if err != nil {
		return "", err
	}
	buf := make([]byte, sdcard.BlockSize)
	if _, err := tr.Read(ctx, buf); err != nil {
		return "", abandon(ctx, tr, err)
	}
	if _, err := tr.End(ctx); err != nil {
		return "", err
	}
	sum := sum(buf)
	if sum != SingleBlockSum {
		return "", mismatchError(fmt.Sprintf("sum %d, want %d", sum, SingleBlockSum))
	}
	return fmt.Sprintf("sum %d", sum), nil
}

// multiFill writes five blocks filled with 0x10..0x14 in one transfer.
func multiFill(ctx context.Context, card *sdcard.Card, addr uint64) (string, error) {
	data := make([]byte, 0, 5*sdcard.BlockSize)
	for v := byte(0x10); v < 0x15; v++ {
		data = append(data, bytes.Repeat([]byte{v}, sdcard.BlockSize)...)
	}
	if err := card.WriteBlocks(ctx, addr, data); err != nil {
		return "", err
	}
	return "0x10..0x14", nil
}

// centralSum writes nine framed blocks and sums the second and third read
// back with one multi-block read.
func centralSum(ctx context.Context, card *sdcard.Card, addr uint64) (string, error) {
	tr, err := card.BeginTransfer(ctx, addr, sdcard.Write, sdcard.MultiBlock)
	if err != nil {
		return "", err
	}
	for j := byte(1); j < 10; j++ {
		block := bytes.Repeat([]byte{j}, sdcard.BlockSize)
		block[0] = 0x04
		block[sdcard.BlockSize-1] = 0x07
		if err := tr.StartSubBlock(ctx); err != nil {
			return "", abandon(ctx, tr, err)
		}
		if _, err := tr.Write(ctx, block); err != nil {
			return "", abandon(ctx, tr, err)
		}
		trailer, err := tr.StopSubBlock(ctx)
		if err != nil {
			return "", abandon(ctx, tr, err)
		}
		if !trailer.Response.Accepted() {
			return "", abandon(ctx, tr, fmt.Errorf("%w: block %d: %s", sdcard.ErrWriteRejected, j, trailer.Response))
		}
	}
	if _, err := tr.End(ctx); err != nil {
		return "", err
	}

	buf := make([]byte, 2*sdcard.BlockSize)
	if err := card.ReadBlocks(ctx, addr+sdcard.BlockSize, buf); err != nil {
		return "", err
	}
	sum := sum(buf)
	if sum != CentralSum {
		return "", mismatchError(fmt.Sprintf("sum %d, want %d", sum, CentralSum))
	}
	return fmt.Sprintf("sum %d", sum), nil
}

// abandon ends a transfer that failed midway. The card is released even when
// the stop sequence fails, so only the transfer error is returned.
func abandon(ctx context.Context, tr *sdcard.Transfer, err error) error {
	if _, endErr := tr.End(ctx); endErr != nil {
		slog.Debug("selftest transfer end failed", "error", endErr)
	}
	return err
}

func sum(buf []byte) int {
	total := 0
	for _, b := range buf {
		total += int(b)
	}
	return total
}
