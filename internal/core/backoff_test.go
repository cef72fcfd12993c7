package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 800 * time.Millisecond, Max: 8 * time.Second}

	assert.Equal(t, 800*time.Millisecond, b.Delay(0))
	assert.Equal(t, 1600*time.Millisecond, b.Delay(1))
	assert.Equal(t, 3200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 6400*time.Millisecond, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 8*time.Second, b.Delay(60))
	assert.Equal(t, 800*time.Millisecond, b.Delay(-1))
}

func TestErrorTaxonomyMatching(t *testing.T) {
	var capErr *CapacityError
	err := error(&CapacityError{Limit: 9})
	assert.True(t, errors.As(err, &capErr))
	assert.Equal(t, 9, capErr.Limit)

	neg := &NegotiationError{PeerID: "b", Op: "answer", Err: ErrSignalingNotReady}
	assert.ErrorIs(t, neg, ErrSignalingNotReady)
	assert.Contains(t, neg.Error(), "answer")

	exhausted := &ReconnectExhaustedError{PeerID: "b", Attempts: 3}
	assert.Equal(t, "gave up reconnecting to b after 3 attempts", exhausted.Error())
}
