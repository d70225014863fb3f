package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardOf(t *testing.T) {
	tests := []struct {
		state ANSState
		want  Guard
	}{
		{StateSafe, Guard{ScalingFactor: 10000, Allowed: true}},
		{StateDanger, Guard{ScalingFactor: 6000, Allowed: true}},
		{StateShutdown, Guard{ScalingFactor: 0, Allowed: false}},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, GuardOf(tt.state))
		})
	}
}

func TestHashText(t *testing.T) {
	h := MustParseHash("0x" + strings.Repeat("ab", 32))
	assert.False(t, h.IsZero())
	assert.True(t, ZeroHash.IsZero())

	b, err := json.Marshal(h)
	require.NoError(t, err)

	var back Hash
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, h, back)

	_, err = ParseHash("0x1234")
	assert.Error(t, err)
	_, err = ParseHash(strings.Repeat("zz", 32))
	assert.Error(t, err)
}

func TestStateText(t *testing.T) {
	for _, s := range []ANSState{StateSafe, StateDanger, StateShutdown} {
		b, err := json.Marshal(s)
		require.NoError(t, err)
		var back ANSState
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, s, back)
	}
	_, err := ParseState("panic")
	assert.Error(t, err)
	assert.Equal(t, "UNKNOWN(9)", ANSState(9).String())
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("outer: %w", E(KindRateLimited, "capability.issue", "window full"))

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrCircuitBreakerOpen))
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Contains(t, err.Error(), "capability.issue: RATE_LIMITED: window full")
}

func TestRetryableClassification(t *testing.T) {
	retry := []Kind{KindRateLimited, KindCircuitBreakerOpen, KindPaused, KindInternal}
	never := []Kind{KindIntentExpired, KindANSBlocked, KindStateMismatch, KindInvalidInput, KindANSLimitExceeded, KindTokenAlreadyRevoked}
	for _, k := range retry {
		assert.Equal(t, ClassRetryable, k.Classification(), k)
	}
	for _, k := range never {
		assert.Equal(t, ClassNonRetryable, k.Classification(), k)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, "store.put", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrInternal)
}

func TestTokenValidAt(t *testing.T) {
	tok := CapabilityToken{ExpiresAt: 100}
	assert.True(t, tok.ValidAt(100))
	assert.False(t, tok.ValidAt(101))
	tok.Revoked = true
	assert.False(t, tok.ValidAt(50))
}
