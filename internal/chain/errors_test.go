package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRateLimit(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"http 429", errors.New("429 Too Many Requests: exceeded quota"), true},
		{"rate limit text", errors.New("Your app has exceeded its compute units, rate limit reached"), true},
		{"retry exceeded", errors.New("exceeded maximum retry limit"), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"reverted", errors.New("execution reverted: transfer amount exceeds balance"), false},
		{"bad address", errors.New("invalid argument 0: hex string of odd length"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("op", tc.err)
			require.Error(t, err)
			assert.Equal(t, tc.transient, errors.Is(err, ErrTransient))
			assert.Equal(t, !tc.transient, errors.Is(err, ErrPermanent))
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify("op", nil))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := permanent("send", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "send")
	assert.Contains(t, err.Error(), "permanent")
}

func TestForcedClassifications(t *testing.T) {
	assert.ErrorIs(t, transient("op", errors.New("whatever")), ErrTransient)
	assert.ErrorIs(t, permanent("op", errors.New("rate limit")), ErrPermanent)
}
