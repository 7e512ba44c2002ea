package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_NoOutputs(t *testing.T) {
	log, err := New(Options{})
	require.NoError(t, err)
	require.NotNil(t, log)
	log.Info("dropped")
}

func TestNew_ConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "warn", Console: &buf})
	require.NoError(t, err)

	log.Info("quiet")
	log.Warn("write rejected", zap.String("reason", "shrink"))
	require.NoError(t, log.Sync())

	out := buf.String()
	require.NotContains(t, out, "quiet")
	require.Contains(t, out, "write rejected")
	require.Contains(t, out, "shrink")
}

func TestNew_FileIsJSON(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Options{Dir: dir, Level: "debug"})
	require.NoError(t, err)

	log.Named("store").Debug("saved", zap.Int("count", 3))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	require.Equal(t, "saved", rec["message"])
	require.Equal(t, "store", rec["logger"])
	require.EqualValues(t, 3, rec["count"])
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	require.Same(t, l, OrNop(l))
}
