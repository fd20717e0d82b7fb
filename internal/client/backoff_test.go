package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(0, 0)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i+1)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffMaxBelowInitial(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 100*time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, b.Next())
	assert.Equal(t, 500*time.Millisecond, b.Next())
}
