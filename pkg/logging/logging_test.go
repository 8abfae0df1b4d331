package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, &buf)

	Debug("Test", "debug message")
	Info("Test", "info message")
	Warn("Test", "warn message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
}

func TestErrorIncludesAttributes(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Error("DNSSync", errors.New("zone unavailable"), "upsert failed for %s", "abc12345")

	out := buf.String()
	assert.Contains(t, out, "upsert failed for abc12345")
	assert.Contains(t, out, "subsystem=DNSSync")
	assert.Contains(t, out, "zone unavailable")
	assert.True(t, strings.Contains(out, "level=ERROR"))
}
