package foldersync

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	).With().Timestamp().Caller().Logger()
}

// SetLogOutput replaces the destination of the package logger, keeping the
// configured level. The CLI uses this to tee events to a log file.
func SetLogOutput(w io.Writer) {
	Logger = zerolog.New(w).With().Timestamp().Caller().Logger().Level(Logger.GetLevel())
}
