package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	cases := []struct {
		level, env string
		enabled    zap.AtomicLevel
	}{
		{"info", "production", zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"debug", "development", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"warn", "", zap.NewAtomicLevelAt(zap.WarnLevel)},
	}
	for _, tc := range cases {
		logger, err := New(tc.level, tc.env)
		require.NoError(t, err, tc.level)
		assert.True(t, logger.Core().Enabled(tc.enabled.Level()), tc.level)
		if tc.enabled.Level() > zap.DebugLevel {
			assert.False(t, logger.Core().Enabled(zap.DebugLevel), tc.level)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "production")
	assert.Error(t, err)
}
