package util

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIDContext(t *testing.T) {
	id := NewRunID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewRunID())

	_, ok := RunIDFromContext(context.Background())
	assert.False(t, ok)

	got, ok := RunIDFromContext(ContextWithRunID(context.Background(), id))
	require.True(t, ok)
	assert.Equal(t, id, got)
}
