// Package logging wires the process-wide zerolog logger, optionally tee'd to
// a rotating file sink.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures the rotating file sink. A zero-value FileConfig
// disables file logging and only the console writer is used.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// New builds a component-scoped logger. component (the process name) is
// attached to every record; the process mains derive per-subsystem loggers
// from it with a "subcomponent" field so SerialCom, VFDDriver, SensorPoller,
// and the coordinator are distinguishable in a shared log stream.
func New(component string, fc FileConfig) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}

	var w io.Writer = console
	if fc.Path != "" {
		maxSize := fc.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 1
		}
		maxBackups := fc.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		rotating := &lumberjack.Logger{
			Filename:   fc.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   false,
		}
		w = zerolog.MultiLevelWriter(console, rotating)
	}

	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}
