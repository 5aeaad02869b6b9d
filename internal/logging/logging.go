// ABOUTME: charmbracelet/log construction shared by the player and server
// ABOUTME: Opens the log file and picks stdout tee or file-only output
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// New creates a timestamped logger writing to w at level. Unknown levels fall back to info.
func New(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
		Level:           lvl,
	})
}

// Output opens path for appending. With console set the log is also copied to
// stdout; the TUI runs with console off so log lines don't tear the screen.
func Output(path string, console bool) (io.Writer, io.Closer, error) {
	if path == "" {
		if console {
			return os.Stdout, noClose{}, nil
		}
		return io.Discard, noClose{}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %w", err)
	}
	if console {
		return io.MultiWriter(os.Stdout, f), f, nil
	}
	return f, f, nil
}

type noClose struct{}

func (noClose) Close() error { return nil }
