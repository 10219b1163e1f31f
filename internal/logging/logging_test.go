package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewBuildsLoggerForEachEnvironment(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		logger, err := New(env, "")
		require.NoError(t, err, env)
		require.NotNil(t, logger, env)
	}
}

func TestParseLevelDefaults(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, parseLevel("", true))
	assert.Equal(t, zapcore.DebugLevel, parseLevel("", false))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn", true))
	assert.Equal(t, zapcore.DebugLevel, parseLevel("nonsense", false))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
