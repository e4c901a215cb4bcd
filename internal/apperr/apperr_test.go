package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := Embedding("rag.search", "embedding the query failed", cause)

	assert.Equal(t, "rag.search: embedding the query failed: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindInternal},
		{"validation", Validation("op", "bad %s", "input"), KindValidation},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("op", "a.txt")), KindNotFound},
		{"outermost wins", Processing("op", "replace failed", Embedding("op", "inner", nil)), KindProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `document "a.txt" not found`, Message(NotFound("op", "a.txt")))
	assert.Equal(t, "internal error", Message(errors.New("sql: database is locked")))
	assert.Equal(t, "model call failed (timed out)",
		Message(Synthesis("op", "model call failed", context.DeadlineExceeded)))
}

func TestIs(t *testing.T) {
	t.Parallel()

	assert.True(t, Is(Configuration("op", "overlap %d >= size %d", 10, 5), KindConfiguration))
	assert.False(t, Is(nil, KindConfiguration))
	assert.False(t, Is(errors.New("x"), KindValidation))
	assert.True(t, IsTimeout(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
}
