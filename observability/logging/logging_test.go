package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFromEnv(t *testing.T) {
	for raw, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	} {
		t.Setenv(envLogLevel, raw)
		require.Equal(t, want, levelFromEnv(), "level %q", raw)
	}
}
