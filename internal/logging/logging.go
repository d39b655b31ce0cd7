package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control where and how verbosely the process logs.
type Options struct {
	Environment string
	Level       string
	// File, when set, receives JSON logs with size-based rotation.
	File string
}

// Setup configures zerolog for the process.
func Setup(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if opts.Environment == "development" {
		level = zerolog.DebugLevel
	}
	if opts.Level != "" {
		if l, err := zerolog.ParseLevel(opts.Level); err == nil {
			level = l
		}
	}

	var writer io.Writer = os.Stdout
	if opts.Environment == "development" {
		writer = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	if opts.File != "" {
		writer = zerolog.MultiLevelWriter(writer, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger
}
