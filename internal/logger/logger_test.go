package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReceivesRecords(t *testing.T) {
	var buf bytes.Buffer
	lg := New(WithFormat("json"), WithWriter(&buf))

	lg.Info("drive mounted", "tape_id", "TAPE_202506")

	out := buf.String()
	assert.Contains(t, out, `"msg":"drive mounted"`)
	assert.Contains(t, out, `"tape_id":"TAPE_202506"`)
}

func TestDebugLevelGating(t *testing.T) {
	var buf bytes.Buffer

	New(WithFormat("text"), WithWriter(&buf)).Debug("suppressed")
	assert.Empty(t, buf.String())

	New(WithFormat("text"), WithWriter(&buf), WithDebug()).Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	lg := New(WithFormat("text"), WithWriter(&buf))

	ctx := WithLogger(context.Background(), lg.With("component", "scheduler"))
	Info(ctx, "tick loop started")

	out := buf.String()
	assert.Contains(t, out, "tick loop started")
	assert.Contains(t, out, "component=scheduler")
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	require.NotNil(t, FromContext(context.Background()))
}
