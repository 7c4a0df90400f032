package console

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sdspi/sdcard"
)

// Exit codes returned by the cli.
const (
	ExitFailure     = 1
	ExitNoCard      = 2
	ExitInitFailed  = 3
	ExitDataFailure = 4
)

func Exit(code int, msg string, args ...interface{}) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf(msg, args...), code)
}

// ExitError picks an exit code from the card error kind.
func ExitError(msg string, err error) cli.ExitCoder {
	code := ExitFailure
	switch {
	case errors.Is(err, sdcard.ErrNoResponse), errors.Is(err, sdcard.ErrResetTimeout):
		code = ExitNoCard
	case errors.Is(err, sdcard.ErrInitTimeout), errors.Is(err, sdcard.ErrInterfaceCondition),
		errors.Is(err, sdcard.ErrBlockLengthTimeout), errors.Is(err, sdcard.ErrNotActive):
		code = ExitInitFailed
	case errors.Is(err, sdcard.ErrWriteRejected), errors.Is(err, sdcard.ErrCRCMismatch),
		errors.Is(err, sdcard.ErrDataErrorToken), errors.Is(err, sdcard.ErrNoStartToken):
		code = ExitDataFailure
	}
	return Exit(code, "%s: %s", msg, Red(err))
}
