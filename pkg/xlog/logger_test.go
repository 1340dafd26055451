package xlog

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel(slog.LevelInfo)
	})

	SetLevel(slog.LevelInfo)
	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	Infof("queue %d attached", 3)
	assert.Contains(t, buf.String(), "queue 3 attached")
	assert.Contains(t, buf.String(), "level=INFO")

	buf.Reset()
	SetLevel(slog.LevelDebug)
	Debugf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
