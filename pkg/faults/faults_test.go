package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

func TestWrapPreservesChain(t *testing.T) {
	base := errors.New("connection refused")
	f := Wrap(base, CategoryNetwork, "planner", "plan").WithPhase(models.PhasePlanning).WithAttempt(2)

	require.Error(t, f)
	assert.ErrorIs(t, f, base)
	assert.Equal(t, CategoryNetwork, f.Category)
	assert.Equal(t, models.PhasePlanning, f.Phase)
	assert.Equal(t, 2, f.Attempt)
	assert.Contains(t, f.Error(), "connection refused")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CategoryNetwork, "planner", "plan"))
}

func TestCategoryOf(t *testing.T) {
	f := New(CategorySchema, "bus", "construct", "missing field")
	wrapped := fmt.Errorf("publish failed: %w", f)

	assert.Equal(t, CategorySchema, CategoryOf(wrapped))
	assert.Equal(t, CategoryUnknown, CategoryOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		category Category
		want     bool
	}{
		{CategoryNetwork, true},
		{CategoryCoordination, true},
		{CategoryUnknown, true},
		{CategorySchema, false},
		{CategoryAuthentication, false},
		{CategoryPermission, false},
		{CategoryValidation, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			err := New(tt.category, "test", "op", "boom")
			assert.Equal(t, tt.want, Retryable(err))
		})
	}
}
