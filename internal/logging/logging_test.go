package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		log      func(l zerolog.Logger)
		expected string
	}{
		{
			name:     "Debug",
			level:    "debug",
			log:      func(l zerolog.Logger) { l.Debug().Msg("debug message") },
			expected: "debug message",
		},
		{
			name:     "Info",
			level:    "info",
			log:      func(l zerolog.Logger) { l.Info().Msg("info message") },
			expected: "info message",
		},
		{
			name:     "Warn",
			level:    "warning",
			log:      func(l zerolog.Logger) { l.Warn().Msg("warn message") },
			expected: "warn message",
		},
		{
			name:     "Error",
			level:    "error",
			log:      func(l zerolog.Logger) { l.Error().Msg("error message") },
			expected: "error message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.log(New(tt.level, buf))
			assert.Contains(t, buf.String(), tt.expected)
		})
	}
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New("warn", buf)

	l.Info().Msg("hidden")

	assert.Empty(t, buf.String())
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}
