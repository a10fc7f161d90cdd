package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadPayload_Wrapping(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := BadPayload(cause)

	assert.True(t, IsBadPayload(err))
	assert.True(t, errors.Is(err, ErrBadPayload))
	assert.Contains(t, err.Error(), "unexpected end of JSON input")

	// Further wrapping must not lose the classification.
	wrapped := fmt.Errorf("handle ProductCreated: %w", err)
	assert.True(t, IsBadPayload(wrapped))
}

func TestIsBadPayload_OtherErrors(t *testing.T) {
	assert.False(t, IsBadPayload(errors.New("transient")))
	assert.False(t, IsBadPayload(nil))
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	err := NotFound("product", "prod-9")

	assert.Contains(t, err.Error(), "NOT_FOUND")
	assert.Contains(t, err.Error(), "prod-9")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"app error", Conflict("version mismatch"), http.StatusConflict},
		{"sentinel not found", ErrNotFound, http.StatusNotFound},
		{"wrapped conflict", Wrap(ErrConflict, "mark processed"), http.StatusConflict},
		{"bad payload", BadPayload(errors.New("x")), http.StatusBadRequest},
		{"unavailable", ErrServiceUnavail, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(base, "publish batch")

	require.Error(t, err)
	assert.Equal(t, "publish batch: connection refused", err.Error())
	assert.True(t, errors.Is(err, base))
}
