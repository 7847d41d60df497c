// Package logging configures the global zerolog logger: console output on
// stderr, an optional rotating file and a hook that forwards warnings to
// a live sink such as the web log stream.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zangezia/fieldsync/pkg/models"
)

// Options selects level and outputs
type Options struct {
	Level      string
	Debug      bool
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days

	// Console defaults to stderr
	Console io.Writer
}

// Sink receives forwarded log records
type Sink func(models.LogMessage)

var sink atomic.Pointer[Sink]

// SetSink installs fn as the receiver of warn and error records; nil removes it
func SetSink(fn Sink) {
	if fn == nil {
		sink.Store(nil)
		return
	}
	sink.Store(&fn)
}

type forwardHook struct{}

func (forwardHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || level == zerolog.NoLevel {
		return
	}
	fn := sink.Load()
	if fn == nil {
		return
	}
	(*fn)(models.LogMessage{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
	})
}

// Setup replaces the global logger. The returned closer flushes the log file.
func Setup(opts Options) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly}}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   true,
		}
		writers = append(writers, file)
		closer = file
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger().
		Hook(forwardHook{})
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
