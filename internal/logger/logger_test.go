package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: "debug"})

	l.With(Fields{FieldJobID: "j1"}).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "j1", line[FieldJobID])
	assert.Equal(t, "pagecast", line["service"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: "loud"})

	l.Debug("hidden")
	assert.Zero(t, buf.Len())
	l.Info("shown")
	assert.NotZero(t, buf.Len())
}

func TestContext_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Output: &buf})

	ctx := Into(context.Background(), base)
	ctx = WithFields(ctx, Fields{FieldRequestID: "r-1"})

	assert.Equal(t, "r-1", RequestID(ctx))
	assert.Equal(t, "", RequestID(context.Background()))
	assert.Same(t, Default(), FromContext(context.Background()))
}
