package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

// Component loggers. They stay disabled (zero value) until Init is called,
// which keeps library users and tests quiet by default.
var (
	Root    zerolog.Logger
	Storage zerolog.Logger
	Watch   zerolog.Logger
	Select  zerolog.Logger
	Channel zerolog.Logger
	App     zerolog.Logger
	Jobs    zerolog.Logger
)

// Options for Logger
type Options struct {
	// Enable Debug loglevel, default Info
	LogLevel zerolog.Level
	Type     LoggerType
	// Out defaults to os.Stdout
	Out io.Writer
}

func ParseLogLevel(loglevel string) (zerolog.Level, error) {
	return zerolog.ParseLevel(loglevel)
}

// ParseLoggerType maps the configuration names "console" and "json".
func ParseLoggerType(name string) (LoggerType, error) {
	switch strings.ToLower(name) {
	case "", "console":
		return ConsoleLogger, nil
	case "json":
		return JSONLogger, nil
	default:
		return 0, fmt.Errorf("unknown logger type %q", name)
	}
}

func Init(opts Options) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	switch opts.Type {
	case ConsoleLogger:
		Root = zerolog.New(newConsoleWriter(out)).Level(opts.LogLevel).
			With().Timestamp().Logger()
	default:
		Root = zerolog.New(out).Level(opts.LogLevel).
			With().Timestamp().Logger()
	}

	Storage = Root.With().Str("component", "storage").Logger()
	Watch = Root.With().Str("component", "watch").Logger()
	Select = Root.With().Str("component", "select").Logger()
	Channel = Root.With().Str("component", "channel").Logger()
	App = Root.With().Str("component", "app").Logger()
	Jobs = Root.With().Str("component", "jobs").Logger()
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}

	cw.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}

	cw.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("message: \"%s\" |", i)
	}

	cw.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("\"%s\": ", i)
	}

	cw.FormatFieldValue = func(i interface{}) string {
		return fmt.Sprintf("\"%s\" |", i)
	}

	cw.FormatErrFieldValue = func(i interface{}) string {
		return fmt.Sprintf(" %s |", i)
	}
	return cw
}
