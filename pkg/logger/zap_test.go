package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestToZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, toZapLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, toZapLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, toZapLevel("loud"))
}

func TestFromContext(t *testing.T) {
	l := NewZapLogger("error")
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))

	_, isNop := FromContext(context.Background()).(*noOpLogger)
	assert.True(t, isNop)
}
