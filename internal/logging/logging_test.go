package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"debug", "debug", false},
		{"", "info", false},
		{"INFO", "info", false},
		{"warning", "warn", false},
		{"warn", "warn", false},
		{"error", "error", false},
		{"verbose", "info", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lvl.String())
		})
	}
}

func TestNew_WritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	logger, err := New(Config{Level: "info", ServiceName: "test", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Info("hello", zap.Int("n", 3))
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "test", entry["service"])
	assert.Contains(t, entry, "timestamp")
	assert.Contains(t, entry, "pid")
	assert.EqualValues(t, 3, entry["n"])
}

func TestNew_RejectsLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}

func TestSetLevel(t *testing.T) {
	level := zap.NewAtomicLevel()
	path := filepath.Join(t.TempDir(), "log.json")
	logger, err := New(Config{Level: "error", OutputPaths: []string{path}, AtomicLevel: &level})
	require.NoError(t, err)
	assert.Equal(t, zap.ErrorLevel, level.Level())

	logger.Info("dropped")
	require.NoError(t, SetLevel(level, "debug"))
	logger.Debug("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")

	assert.Error(t, SetLevel(level, "loud"))
	assert.Equal(t, zap.DebugLevel, level.Level())
}
