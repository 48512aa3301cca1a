package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize_WrappedCategorizedError(t *testing.T) {
	inner := NewExecutorNotAuthorizedError("0xexec", "0xcontract")
	wrapped := fmt.Errorf("settle token: %w", inner)

	cat := Categorize(wrapped)
	assert.Same(t, inner, cat)
	assert.Equal(t, CategoryAuthorization, cat.Category)
	assert.True(t, IsCategory(wrapped, CategoryAuthorization))
	assert.False(t, IsTransient(wrapped))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"provider timeout", NewProviderTimeoutError("hub"), true},
		{"database", NewDatabaseError("insert", stderrors.New("conn reset")), true},
		{"deadline", fmt.Errorf("resolve: %w", context.DeadlineExceeded), true},
		{"chain revert", NewChainError("batchTransfer", stderrors.New("execution reverted")), false},
		{"validation", NewInvalidAddressError("0x1"), false},
		{"plain error", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestGetHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatusCode(NewInvalidParameterError("address", "empty")))
	assert.Equal(t, http.StatusUnauthorized, GetHTTPStatusCode(NewUnauthorizedError("bad signature")))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatusCode(stderrors.New("boom")))
	assert.True(t, IsUserError(NewNotFoundError("entry", "1")))
	assert.True(t, IsSystemError(NewInternalError("x", nil)))
}

func TestCategorizedError_Unwrap(t *testing.T) {
	cause := stderrors.New("nonce too low")
	err := NewChainError("broadcast", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "CHAIN_FAILURE")
	assert.Contains(t, err.Error(), "nonce too low")
}
