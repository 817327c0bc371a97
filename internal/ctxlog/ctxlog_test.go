package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_PanicsWithoutLogger(t *testing.T) {
	assert.Panics(t, func() { FromContext(context.Background()) })
}

func TestWith_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	ctx, logger := With(ctx, "node", "sub-01.eddy")
	logger.Info("started")
	FromContext(ctx).Info("again")

	out := buf.String()
	require.Contains(t, out, "node=sub-01.eddy")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("node=sub-01.eddy")))
}

func TestDiscard(t *testing.T) {
	ctx := Discard(context.Background())
	assert.NotPanics(t, func() { FromContext(ctx).Error("dropped") })
}
