package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	l, err := New(true, "")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New(false, "warn")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = New(false, "loud")
	require.Error(t, err)
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "abc", TokenPrefix("abc"))
	assert.Equal(t, "eyJhbGci", TokenPrefix("eyJhbGciOiJIUzI1NiJ9.payload"))
}
