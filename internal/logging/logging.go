// ABOUTME: Logger setup shared by the client and server commands
// ABOUTME: Sends logs to a file while the TUI owns the terminal
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger. With toStdout false, output
// goes only to the file so it does not corrupt the TUI. The returned closer
// releases the file.
func Setup(level, file string, toStdout bool) (io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if file == "" {
		if !toStdout {
			logrus.SetOutput(io.Discard)
		} else {
			logrus.SetOutput(os.Stdout)
		}
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	if toStdout {
		logrus.SetOutput(io.MultiWriter(os.Stdout, f))
	} else {
		logrus.SetOutput(f)
	}
	return f, nil
}
