package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	require.True(t, IsRetryable(NewTransientError("call ai", errors.New("connection refused"))))
	require.True(t, IsRetryable(fmt.Errorf("step: %w", context.DeadlineExceeded)))
	require.False(t, IsRetryable(NewValidationError("bad payload")))
	require.False(t, IsRetryable(SafetyRejection{Reason: "blocked"}))

	require.True(t, IsSafetyRejection(SafetyRejection{Reason: "blocked"}))
	require.False(t, IsSafetyRejection(NewValidationError("bad payload")))

	require.True(t, IsConflict(TransactionConflict{Reason: "lost race"}))
	require.False(t, IsConflict(NewTransientError("x", errors.New("y"))))
}

func TestTruncateError(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "0123456789"
	}
	msg := TruncateError(errors.New(long), 50)
	require.Len(t, msg, 53)
	require.Equal(t, "...", msg[50:])
	require.Equal(t, "", TruncateError(nil, 50))
}
