package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/mklimuk/sdspi/sdctx"
)

var version string
var commit string
var date string

func main() {
	os.Exit(run())
}

func run() int {
	err := newApp().Run(os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		log.Printf("unexpected error: %v", err)
		return 1
	}
	return 0
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "sdspi"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "SD card access over SPI"
	app.Flags = append([]cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging and bus tracing",
		},
		&cli.PathFlag{
			Name:  "config",
			Usage: "yaml file with adapter settings",
		},
	}, busFlags...)
	loadConfig := altsrc.InitInputSourceWithContext(app.Flags, altsrc.NewYamlSourceFromFlagFunc("config"))
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return loadConfig(ctx)
	}
	app.Commands = cli.Commands{
		&infoCmd,
		&readCmd,
		&writeCmd,
		&selftestCmd,
		&usbCmd,
		&mcp2221Cmd,
	}
	return app
}

// commandContext bounds a command with --timeout and carries the tracing flag.
func commandContext(c *cli.Context) (context.Context, context.CancelFunc) {
	ctx := sdctx.SetVerbose(c.Context, c.Bool("verbose"))
	return context.WithTimeout(ctx, c.Duration("timeout"))
}
