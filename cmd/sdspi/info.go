package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sdspi/cmd/sdspi/console"
	"github.com/mklimuk/sdspi/sdcard"
)

type cardInfo struct {
	Capacity uint64         `yaml:"capacity"`
	Blocks   uint64         `yaml:"blocks"`
	Session  sdcard.Session `yaml:"session"`
}

var infoCmd = cli.Command{
	Name:  "info",
	Usage: "initialize the card and print its registers",
	Action: func(c *cli.Context) error {
		ctx, cancel := commandContext(c)
		defer cancel()
		s, err := openCard(ctx, c)
		if err != nil {
			return console.ExitError("card initialization failed", err)
		}
		defer func() { _ = s.Close() }()
		info := cardInfo{Session: s.card.Session()}
		if info.Capacity, err = s.card.Capacity(); err != nil {
			console.Warnf("capacity unknown: %v", err)
		}
		info.Blocks = info.Capacity / sdcard.BlockSize
		return encodeYAML(info)
	},
}
