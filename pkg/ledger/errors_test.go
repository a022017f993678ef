package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", InvalidTransition("task.accept", "ab12", "ACCEPTED", "ACCEPTED"))
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.False(t, errors.Is(err, ErrNotFound))

	var le *Error
	require.True(t, errors.As(err, &le))
	require.Equal(t, "ACCEPTED", le.Current)
	require.Equal(t, "task.accept: invalid state transition [ab12]: ACCEPTED -> ACCEPTED", le.Error())
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(nil))
	require.True(t, Retryable(Conflict("vote", "p/0")))
	require.True(t, Retryable(errors.New("connection reset")))
	for _, err := range []error{
		Unauthorized("vote", "mallory", "verifier"),
		NotFound("vote", "p/0"),
		AlreadyExists("vote", "p/0"),
		ThresholdMisconfigured("milestone.create", 0),
		InvalidArgument("donor.add", "amount must be positive"),
	} {
		require.False(t, Retryable(err), err.Error())
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{Unauthorized("op", "c", "admin"), "unauthorized"},
		{NotFound("op", "k"), "not_found"},
		{AlreadyExists("op", "k"), "already_exists"},
		{InvalidTransition("op", "k", "A", "B"), "invalid_transition"},
		{ThresholdMisconfigured("op", -1), "threshold_misconfigured"},
		{InvalidArgument("op", "bad"), "invalid_argument"},
		{Conflict("op", "k"), "conflict"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Kind(tt.err))
	}
	require.True(t, IsNotFound(fmt.Errorf("load: %w", NotFound("op", "k"))))
}
