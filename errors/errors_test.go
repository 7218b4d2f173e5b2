package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_Message(t *testing.T) {
	err := NewWithComponent(OpPush, "transport", errors.New("boom"))
	assert.Equal(t, "push operation failed in transport component: boom", err.Error())

	err = NewNetworkError(OpPull, errors.New("dial tcp: refused"))
	assert.Contains(t, err.Error(), "[network]")
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError(OpStore, cause)
	require.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("cycle failed: %w", err)
	var syncErr *SyncError
	require.ErrorAs(t, wrapped, &syncErr)
	assert.Equal(t, OpStore, syncErr.Op)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		retryable  bool
		terminal   bool
		corruption bool
		kind       Kind
	}{
		{"network", NewNetworkError(OpPush, errors.New("timeout")), true, false, false, KindNetwork},
		{"validation", NewValidationError(OpPush, errors.New("bad payload")), false, true, false, KindValidation},
		{"permission", NewPermissionError(OpPush, errors.New("forbidden")), false, true, false, KindPermission},
		{"corruption", NewCorruptionError(OpLoad, errors.New("garbled row")), false, false, true, KindCorruption},
		{"plain error", errors.New("nope"), false, false, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.terminal, IsTerminal(tt.err))
			assert.Equal(t, tt.corruption, IsCorruption(tt.err))
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestClassification_Wrapped(t *testing.T) {
	err := fmt.Errorf("push mutation abc: %w", NewNetworkError(OpPush, errors.New("reset")))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, KindNetwork, KindOf(err))
}
