package ledgererr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = New(KindInsufficientFunds, "insufficient_funds")

func TestKindOfWrapped(t *testing.T) {
	wrapped := fmt.Errorf("deduct: %w", errSample)
	assert.Equal(t, KindInsufficientFunds, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, errSample))
	assert.Equal(t, "insufficient_funds", CodeOf(wrapped))
}

func TestUnclassifiedIsFatal(t *testing.T) {
	err := errors.New("connection refused")
	assert.Equal(t, KindFatal, KindOf(err))
	assert.True(t, IsFatal(err))
	assert.Equal(t, "internal_error", CodeOf(err))
}

func TestFatalCodeIsHidden(t *testing.T) {
	err := New(KindFatal, "wallet_invariant_violation")
	assert.Equal(t, "internal_error", CodeOf(err))
}

func TestContextErrorsAreRetryable(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, IsFatal(nil))
}
