package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sdspi/cmd/sdspi/console"
	"github.com/mklimuk/sdspi/sdcard"
)

var readCmd = cli.Command{
	Name:      "read",
	Usage:     "read blocks starting at a byte address",
	ArgsUsage: "<address>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1, Usage: "number of blocks"},
		&cli.PathFlag{Name: "out", Aliases: []string{"o"}, Usage: "write raw data to file instead of a hex dump"},
	},
	Action: func(c *cli.Context) error {
		addr, err := addressArg(c)
		if err != nil {
			return err
		}
		count := c.Int("count")
		if count < 1 {
			return console.Exit(console.ExitFailure, "block count must be positive, got %d", count)
		}
		ctx, cancel := commandContext(c)
		defer cancel()
		s, err := openCard(ctx, c)
		if err != nil {
			return console.ExitError("card initialization failed", err)
		}
		defer func() { _ = s.Close() }()

		buf := make([]byte, count*sdcard.BlockSize)
		if count == 1 {
			err = s.card.ReadBlock(ctx, addr, buf)
		} else {
			err = s.card.ReadBlocks(ctx, addr, buf)
		}
		if err != nil {
			return console.ExitError("read failed", err)
		}
		if path := c.Path("out"); path != "" {
			if err := os.WriteFile(path, buf, 0o644); err != nil {
				return console.Exit(console.ExitFailure, "could not write %s: %v", path, err)
			}
			console.PInfof(console.PictoFinish, "%d blocks from 0x%X saved to %s", count, addr, path)
			return nil
		}
		dumper := hex.Dumper(console.Output())
		defer func() { _ = dumper.Close() }()
		_, err = dumper.Write(buf)
		return err
	},
}

var writeCmd = cli.Command{
	Name:      "write",
	Usage:     "write blocks starting at a byte address",
	ArgsUsage: "<address>",
	Flags: []cli.Flag{
		&cli.PathFlag{Name: "in", Aliases: []string{"i"}, Usage: "file with the data, padded with zeros to whole blocks"},
		&cli.StringFlag{Name: "fill", Usage: "fill the blocks with this byte, e.g. 0xE5"},
		&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1, Usage: "number of blocks to fill"},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		addr, err := addressArg(c)
		if err != nil {
			return err
		}
		data, err := writeData(c)
		if err != nil {
			return err
		}
		blocks := len(data) / sdcard.BlockSize
		ok, err := console.Confirm(fmt.Sprintf("overwrite %d blocks at 0x%X?", blocks, addr), c.Bool("yes"))
		if err != nil {
			return console.Exit(console.ExitFailure, "prompt failed: %v", err)
		}
		if !ok {
			console.PInfof(console.PictoStop, "aborted")
			return nil
		}
		ctx, cancel := commandContext(c)
		defer cancel()
		s, err := openCard(ctx, c)
		if err != nil {
			return console.ExitError("card initialization failed", err)
		}
		defer func() { _ = s.Close() }()
		if blocks == 1 {
			err = s.card.WriteBlock(ctx, addr, data)
		} else {
			err = s.card.WriteBlocks(ctx, addr, data)
		}
		if err != nil {
			return console.ExitError("write failed", err)
		}
		console.PInfof(console.PictoFinish, "%d blocks written at 0x%X", blocks, addr)
		return nil
	},
}

func addressArg(c *cli.Context) (uint64, error) {
	if c.NArg() != 1 {
		return 0, console.Exit(console.ExitFailure, "expected 1 argument, got %d", c.NArg())
	}
	addr, err := strconv.ParseUint(c.Args().Get(0), 0, 64)
	if err != nil {
		return 0, console.Exit(console.ExitFailure, "could not parse address: %v", err)
	}
	return addr, nil
}

func writeData(c *cli.Context) ([]byte, error) {
	if path := c.Path("in"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, console.Exit(console.ExitFailure, "could not open %s: %v", path, err)
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, console.Exit(console.ExitFailure, "could not read %s: %v", path, err)
		}
		if len(data) == 0 {
			return nil, console.Exit(console.ExitFailure, "%s is empty", path)
		}
		if rem := len(data) % sdcard.BlockSize; rem != 0 {
			data = append(data, make([]byte, sdcard.BlockSize-rem)...)
		}
		return data, nil
	}
	if !c.IsSet("fill") {
		return nil, console.Exit(console.ExitFailure, "either --in or --fill is required")
	}
	value, err := strconv.ParseUint(c.String("fill"), 0, 8)
	if err != nil {
		return nil, console.Exit(console.ExitFailure, "could not parse fill byte: %v", err)
	}
	count := c.Int("count")
	if count < 1 {
		return nil, console.Exit(console.ExitFailure, "block count must be positive, got %d", count)
	}
	return bytes.Repeat([]byte{byte(value)}, count*sdcard.BlockSize), nil
}
