package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewSugaredLogger(t *testing.T) {
	t.Run("production logs at info", func(t *testing.T) {
		sugar, err := NewSugaredLogger("run", false, "program", "prog")
		require.NoError(t, err)
		assert.False(t, sugar.Desugar().Core().Enabled(zapcore.DebugLevel))
		assert.True(t, sugar.Desugar().Core().Enabled(zapcore.InfoLevel))
	})

	t.Run("verbose logs at debug", func(t *testing.T) {
		sugar, err := NewSugaredLogger("backfill", true)
		require.NoError(t, err)
		assert.True(t, sugar.Desugar().Core().Enabled(zapcore.DebugLevel))
	})
}
