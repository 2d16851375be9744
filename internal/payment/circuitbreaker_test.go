package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Call(context.Background(), func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}

	// Fourth call should be rejected by the open breaker, not even
	// attempt fn.
	called := false
	err := cb.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.False(t, called)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	boom := errors.New("boom")

	err := cb.Call(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	err = cb.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, cb.Allow())
}

func TestValidateWallet(t *testing.T) {
	assert.NoError(t, ValidateWallet("3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDKEPzH"))
	assert.Error(t, ValidateWallet(""))
	assert.Error(t, ValidateWallet("not-base58-!!!"))
}
