package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerLevels(t *testing.T) {
	l, err := NewLogger("DEBUG")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger("loud")
	assert.Error(t, err)
}

func TestSetNilFallsBackToNop(t *testing.T) {
	t.Cleanup(func() { Set(nil) })
	Set(nil)
	assert.NotNil(t, L())
	Info("no panic")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "***", Redact("short"))
	assert.Equal(t, "WSP-...WXYZ", Redact("WSP-ABCD-EFGH-WXYZ"))
}

func TestNewLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	l, err := NewLogger("info", path)
	require.NoError(t, err)

	l.Info("to file", zap.String("k", "v"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
}
