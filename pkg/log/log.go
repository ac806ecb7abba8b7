// Package log provides the process-wide structured logger used across lapsd.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents a log verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logger construction options.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init installs the global logger. Call once at process startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// FromEnv initializes the global logger from LAPS_LOG_LEVEL and LAPS_LOG_JSON.
func FromEnv() {
	level := Level(os.Getenv("LAPS_LOG_LEVEL"))
	if level == "" {
		level = InfoLevel
	}
	jsonOutput := os.Getenv("LAPS_LOG_JSON") == "1"
	Init(Config{Level: level, JSONOutput: jsonOutput})
}

// Component returns a child logger tagged with the owning component's name,
// e.g. log.Component("dispatcher").
func Component(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithModule returns a child logger tagged with a (name, version) module key.
func WithModule(name, version string) zerolog.Logger {
	return Logger.With().Str("module_name", name).Str("module_version", version).Logger()
}

// WithToken returns a child logger tagged with a job token.
func WithToken(token string) zerolog.Logger {
	return Logger.With().Str("token", token).Logger()
}

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
