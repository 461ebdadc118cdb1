package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeAction, "http call failed")
	assert.Equal(t, "[ACTION_FAILED] http call failed", err.Error())

	err = err.WithStep("step-3")
	assert.Equal(t, "[ACTION_FAILED] step step-3: http call failed", err.Error())

	err = NewErrorf(ErrCodeLimit, "exceeded %d hops", 100)
	assert.Equal(t, "[LIMIT_EXCEEDED] exceeded 100 hops", err.Error())
}

func TestFlowErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrCodeStore, "query failed").WithCause(cause)
	require.ErrorIs(t, err, cause)

	var flowErr *FlowError
	require.ErrorAs(t, error(err), &flowErr)
	assert.Equal(t, ErrCodeStore, flowErr.Code)
}

func TestFlowErrorDetails(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad payload").
		WithDetails(map[string]any{"field": "email"})
	assert.Equal(t, "email", err.Details["field"])
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s)
	}
	live := []RunStatus{RunStatusPending, RunStatusRunning, RunStatusPaused}
	for _, s := range live {
		assert.False(t, s.Terminal(), s)
	}
}
