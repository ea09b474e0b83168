package cli

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"go.viam.com/smartslam/logging"
)

// printf prints a message with a newline.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// warningf prints a message prefixed with "Warning: ".
func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, "Warning: "+format+"\n", a...)
}

// newLogger logs to stdout with --debug and nowhere otherwise. It also becomes the global logger,
// which factors built without one fall back to.
func newLogger(c *cli.Context) logging.Logger {
	logger := logging.NewBlankLogger("smartslam")
	if c.Bool(generalFlagDebug) {
		logger = logging.NewDebugLogger("smartslam")
	}
	logging.ReplaceGlobal(logger)
	return logger
}
