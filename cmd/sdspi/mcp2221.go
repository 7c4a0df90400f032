package main

import (
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/sdspi/cmd/sdspi/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "query the MCP2221 USB adapter",
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
	},
}

var mcp2221StatusCmd = cli.Command{
	Name:  "status",
	Usage: "print the adapter status",
	Action: func(c *cli.Context) error {
		a, err := openMCP2221(c)
		if err != nil {
			return console.Exit(console.ExitNoCard, "adapter unavailable: %s", console.Red(err))
		}
		ctx, cancel := commandContext(c)
		defer cancel()
		status, err := a.Status(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "adapter communication error: %s", console.Red(err))
		}
		return encodeYAML(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current I2C transfer and release the bus",
	Action: func(c *cli.Context) error {
		a, err := openMCP2221(c)
		if err != nil {
			return console.Exit(console.ExitNoCard, "adapter unavailable: %s", console.Red(err))
		}
		ctx, cancel := commandContext(c)
		defer cancel()
		status, err := a.ReleaseBus(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "adapter communication error: %s", console.Red(err))
		}
		return encodeYAML(status)
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "print GPIO settings and values",
	Action: func(c *cli.Context) error {
		a, err := openMCP2221(c)
		if err != nil {
			return console.Exit(console.ExitNoCard, "adapter unavailable: %s", console.Red(err))
		}
		ctx, cancel := commandContext(c)
		defer cancel()
		params, err := a.GetGPIOParameters(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "could not read GPIO parameters: %s", console.Red(err))
		}
		values, err := a.ReadGPIO(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "could not read GPIO values: %s", console.Red(err))
		}
		return encodeYAML(map[string]any{"parameters": params, "values": values})
	},
}

func encodeYAML(v any) error {
	enc := yaml.NewEncoder(console.Output())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return console.Exit(console.ExitFailure, "encoding error: %s", console.Red(err))
	}
	return enc.Close()
}
