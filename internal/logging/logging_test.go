package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	dev := New(false)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, dev.Core().Enabled(zapcore.ErrorLevel))

	prod := New(true)
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, prod.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, prod.Core().Enabled(zapcore.ErrorLevel))
}
