package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"ghost/internal/config"
)

func testConfig(level, format string) *config.Config {
	return &config.Config{LogLevel: level, LogFormat: format}
}

func Test_NewLogger(t *testing.T) {
	type result struct {
		level  zerolog.Level
		format string
	}

	tests := []struct {
		name     string
		cfg      *config.Config
		expected result
	}{
		{
			name:     "default",
			cfg:      testConfig("", ""),
			expected: result{level: zerolog.InfoLevel, format: ConsoleFormat},
		},
		{
			name:     "debug level",
			cfg:      testConfig(DebugLevel, ""),
			expected: result{level: zerolog.DebugLevel, format: ConsoleFormat},
		},
		{
			name:     "warn level and json format",
			cfg:      testConfig(WarnLevel, JSONFormat),
			expected: result{level: zerolog.WarnLevel, format: JSONFormat},
		},
		{
			name:     "error level",
			cfg:      testConfig(ErrorLevel, ""),
			expected: result{level: zerolog.ErrorLevel, format: ConsoleFormat},
		},
		{
			name:     "fatal level",
			cfg:      testConfig(FatalLevel, ""),
			expected: result{level: zerolog.FatalLevel, format: ConsoleFormat},
		},
		{
			name:     "panic level",
			cfg:      testConfig(PanicLevel, ""),
			expected: result{level: zerolog.PanicLevel, format: ConsoleFormat},
		},
		{
			name:     "trace level",
			cfg:      testConfig(TraceLevel, ""),
			expected: result{level: zerolog.TraceLevel, format: ConsoleFormat},
		},
		{
			name:     "unknown format defaults to console",
			cfg:      testConfig("", "unknown"),
			expected: result{level: zerolog.InfoLevel, format: ConsoleFormat},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLogger(tt.cfg)
			assert.NotNil(t, l)

			appLogger, ok := l.(*AppLogger)
			assert.True(t, ok)
			assert.Equal(t, tt.expected.level, appLogger.log.GetLevel())
		})
	}
}

func Test_Logger_Levels(t *testing.T) {
	l := NewLogger(testConfig(DebugLevel, ConsoleFormat))

	l.Debug().Msg("debug message")
	l.Info().Msg("info message")
	l.Warn().Msg("warn message")
	l.Error().Msg("error message")
}

func Test_Logger_WithComponent(t *testing.T) {
	var buf bytes.Buffer

	l := NewLoggerWithOutput(testConfig(InfoLevel, JSONFormat), &buf)
	scoped := l.WithComponent("SUPERVISOR")
	scoped.Info().Msg("spawned")

	assert.Contains(t, buf.String(), "SUPERVISOR")
}

func Test_getLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{DebugLevel, zerolog.DebugLevel},
		{InfoLevel, zerolog.InfoLevel},
		{WarnLevel, zerolog.WarnLevel},
		{ErrorLevel, zerolog.ErrorLevel},
		{FatalLevel, zerolog.FatalLevel},
		{PanicLevel, zerolog.PanicLevel},
		{TraceLevel, zerolog.TraceLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, getLogLevel(tt.level))
		})
	}
}

func Test_Module(t *testing.T) {
	assert.NotNil(t, Module)
}

func Test_NewLoggerWithOutput(t *testing.T) {
	tests := []struct {
		name   string
		format string
	}{
		{"console format", ConsoleFormat},
		{"json format", JSONFormat},
		{"empty format", ""},
		{"unknown format", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			l := NewLoggerWithOutput(testConfig(InfoLevel, tt.format), &buf)
			assert.NotNil(t, l)

			appLogger, ok := l.(*AppLogger)
			assert.True(t, ok)
			assert.NotNil(t, appLogger.log)
		})
	}
}
