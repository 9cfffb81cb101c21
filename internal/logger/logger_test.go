package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "crawler.log")

	l, err := New("debug", path)
	require.NoError(t, err)

	l.Info().Str("term", "bitcoin").Msg("search started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "search started")
	assert.Contains(t, string(data), `"term":"bitcoin"`)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New("loud", "")
	require.NoError(t, err)
	assert.Equal(t, "info", l.GetLevel().String())
}

func TestGet_ReturnsNopWhenUninitialized(t *testing.T) {
	prev := Global
	Global = nil
	defer func() { Global = prev }()

	l := Get()
	require.NotNil(t, l)
	// must not panic
	l.Info().Msg("discarded")
}

func TestComponent_TagsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	l, err := New("info", path)
	require.NoError(t, err)

	l.Component("search").Info().Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"search"`)
}
