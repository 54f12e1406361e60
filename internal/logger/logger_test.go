package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		log, err := New(env)
		require.NoError(t, err)
		assert.NotNil(t, log)
	}
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	scoped := zap.New(core).With(OfferID("o-1"))
	fallback := zap.NewNop()

	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	ctx := WithContext(context.Background(), scoped)
	FromContext(ctx, fallback).Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "o-1", logs.All()[0].ContextMap()[FieldOfferID])
}
