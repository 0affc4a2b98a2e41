package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeeper.log")
	log := New(Config{Level: "info", Format: "json", Output: path})

	log.With("component", "guard").Info("Access denied", "reason", "invalid_token")
	log.Debug("hidden at info level")
	Sync(log)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Access denied"`)
	assert.Contains(t, string(data), `"component":"guard"`)
	assert.Contains(t, string(data), `"reason":"invalid_token"`)
	assert.NotContains(t, string(data), "hidden at info level")
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	assert.NotPanics(t, func() {
		log.With("k", "v").Error("ignored", "error", "x")
		Sync(log)
	})
}

func TestZapConfig(t *testing.T) {
	zc := zapConfig(Config{Level: "verbose", Format: "console", AddCaller: true})
	assert.Equal(t, "info", zc.Level.String())
	assert.Equal(t, "console", zc.Encoding)
	assert.Equal(t, []string{"stdout"}, zc.OutputPaths)
	assert.False(t, zc.DisableCaller)
	assert.True(t, zc.DisableStacktrace)

	zc = zapConfig(Config{Level: "debug", Output: "/var/log/permgate.log", Stacktrace: true})
	assert.Equal(t, "debug", zc.Level.String())
	assert.Equal(t, "json", zc.Encoding)
	assert.Equal(t, []string{"/var/log/permgate.log"}, zc.ErrorOutputPaths)
	assert.True(t, zc.DisableCaller)
	assert.False(t, zc.DisableStacktrace)
}
