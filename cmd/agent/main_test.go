package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"-m", "publish", "--kind", "audio,video", "-d", "30s"})
	require.NoError(t, err)
	assert.Equal(t, "publish", f.mode)
	assert.Equal(t, []string{"audio", "video"}, f.kinds)
	assert.Equal(t, 30*time.Second, f.duration)

	_, err = parseFlags([]string{"--mode", "chat", "--stream", "P1"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--mode", "dance"})
	assert.Error(t, err)
}
