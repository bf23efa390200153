package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamedLoggerSharesLevel(t *testing.T) {
	var out, errOut bytes.Buffer
	root := New(&out, &errOut, INFO, "quill")
	child := root.Named("executor")

	child.Debug("hidden %d", 1)
	assert.Empty(t, out.String())

	root.SetLevel(DEBUG)
	child.Debug("visible %d", 2)
	assert.Contains(t, out.String(), "[DEBUG] [quill.executor] visible 2")

	child.Error("boom")
	assert.Contains(t, errOut.String(), "[ERROR] [quill.executor] boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("Debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel("whatever"))
}

func TestDiscardAndNil(t *testing.T) {
	var l *Logger
	l.Info("no panic")
	Discard().Error("dropped")
	assert.Equal(t, "WARN", WARN.String())
}
