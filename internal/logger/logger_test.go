package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInit_DisabledDiscards(t *testing.T) {
	t.Cleanup(func() { Init(Options{}) })

	Init(Options{})
	require.False(t, Enabled(slog.LevelError))
}

func TestInit_JSONWriter(t *testing.T) {
	t.Cleanup(func() { Init(Options{}) })

	var buf bytes.Buffer
	Init(Options{Enabled: true, Writer: &buf, Level: slog.LevelDebug, JSON: true})
	require.True(t, Enabled(slog.LevelDebug))

	Debug("segment reserved", "size", 64<<20)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "segment reserved", rec["msg"])
	require.EqualValues(t, 64<<20, rec["size"])
}

func TestInit_LevelFilters(t *testing.T) {
	t.Cleanup(func() { Init(Options{}) })

	var buf bytes.Buffer
	Init(Options{Enabled: true, Writer: &buf, Level: slog.LevelWarn})
	Info("dropped")
	require.Zero(t, buf.Len())
	Warn("kept", "reason", "oom")
	require.Contains(t, buf.String(), "kept")
}

func TestInitFromEnv(t *testing.T) {
	t.Cleanup(func() { Init(Options{}) })

	t.Setenv(EnvVar, "")
	require.False(t, InitFromEnv())

	t.Setenv(EnvVar, "1")
	require.True(t, InitFromEnv())
	require.True(t, Enabled(slog.LevelDebug))
}
