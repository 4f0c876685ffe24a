package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestZeroLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)
	l.With("session", "s1").Info("attached", "target", "t1", "count", 2)

	line := buf.Bytes()
	assert.Equal(t, "attached", gjson.GetBytes(line, "message").String())
	assert.Equal(t, "s1", gjson.GetBytes(line, "session").String())
	assert.Equal(t, "t1", gjson.GetBytes(line, "target").String())
	assert.Equal(t, int64(2), gjson.GetBytes(line, "count").Int())
}

func TestZeroLoggerErrAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.InfoLevel)
	l.Debug("hidden")
	assert.Zero(t, buf.Len())

	l.Err(errors.New("boom"), "failed", "odd")
	line := buf.Bytes()
	assert.Equal(t, "boom", gjson.GetBytes(line, "error").String())
	assert.Equal(t, "odd", gjson.GetBytes(line, "!BADKEY").String())
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.Info("x")
	assert.Equal(t, l, l.With("a", 1))
}
