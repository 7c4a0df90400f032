package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sdspi/cmd/sdspi/console"
	"github.com/mklimuk/sdspi/selftest"
)

var selftestCmd = cli.Command{
	Name:  "selftest",
	Usage: "write test patterns to the first blocks and check them (destroys data)",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
		&cli.BoolFlag{Name: "yaml", Usage: "print the report as yaml"},
	},
	Action: func(c *cli.Context) error {
		ok, err := console.Confirm("selftest overwrites blocks 0 to 96, continue?", c.Bool("yes"))
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

		report, runErr := selftest.Run(ctx, s.card)
		if c.Bool("yaml") {
			if err := encodeYAML(report); err != nil {
				return err
			}
		} else {
			for _, step := range report.Steps {
				picto, detail := console.PictoCheck, console.Green(step.Detail)
				if !step.OK {
					picto, detail = console.PictoCross, console.Red(step.Detail)
				}
				console.PInfof(picto, "%-24s 0x%05X x%d %s (%s)", step.Name, step.Address, step.Blocks, detail, step.Duration)
			}
		}
		if runErr != nil {
			return console.ExitError("selftest aborted", runErr)
		}
		if !report.Passed {
			return console.Exit(console.ExitDataFailure, "selftest failed")
		}
		if !c.Bool("yaml") {
			console.PInfof(console.PictoFinish, "selftest passed")
		}
		return nil
	},
}
