package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesToFile(t *testing.T) {
	dir := t.TempDir()
	log, closer, err := Setup(Config{Level: "debug", Dir: dir, Filename: "test.log"})
	require.NoError(t, err)
	defer closer.Close()

	log.Info("hello", "key", "value")

	data, err := os.ReadFile(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "key=value")
}

func TestSetupCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	_, closer, err := Setup(Config{Level: "info", Dir: dir, Filename: "test.log"})
	require.NoError(t, err)
	defer closer.Close()

	_, err = os.Stat(dir)
	require.NoError(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSuppressorRefcounting(t *testing.T) {
	s := NewSuppressor()
	original := os.Stdout

	release1 := s.Acquire()
	assert.True(t, s.Active())
	assert.NotEqual(t, original, os.Stdout)

	release2 := s.Acquire()
	release1()
	assert.True(t, s.Active(), "stdout stays redirected while holders remain")

	release2()
	assert.False(t, s.Active())
	assert.Equal(t, original, os.Stdout)
}

func TestSuppressorReleaseIdempotent(t *testing.T) {
	s := NewSuppressor()
	original := os.Stdout

	release := s.Acquire()
	release()
	release()
	assert.False(t, s.Active())
	assert.Equal(t, original, os.Stdout)

	// A double release must not underflow the count for later holders.
	release3 := s.Acquire()
	assert.True(t, s.Active())
	release3()
	assert.Equal(t, original, os.Stdout)
}
