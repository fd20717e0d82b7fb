package response

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r Responder, text string) []string {
	t.Helper()
	var tokens []string
	err := r.Respond(context.Background(), text, func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	require.NoError(t, err)
	return tokens
}

func TestKeywordReplies(t *testing.T) {
	k := NewKeywordResponder(0)
	k.now = func() time.Time { return time.Date(2024, 5, 1, 14, 7, 0, 0, time.UTC) }

	tests := []struct {
		input string
		want  string
	}{
		{"Hello there", "Hello! How can I help you today?"},
		{"what's the weather like", "I don't have access to real-time weather data, but I can help you with other questions!"},
		{"what time is it", "The current time is 02:07 PM"},
		{"what is your name", "I'm your local voice assistant, running entirely on your machine!"},
		{"how are you", "I'm functioning perfectly! How can I assist you?"},
		{"thanks a lot", "You're welcome! Is there anything else I can help with?"},
		{"ok bye", "Goodbye! Have a great day!"},
		{"purple elephants", "You said: 'purple elephants'. I'm a simple demo assistant. Try asking about the time, weather, or just say hello!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, k.Reply(tt.input))
		})
	}
}

func TestKeywordRuleOrder(t *testing.T) {
	k := NewKeywordResponder(0)
	// "hello" is checked before "bye"
	assert.Equal(t, "Hello! How can I help you today?", k.Reply("hello and bye"))
}

func TestKeywordStreamsWords(t *testing.T) {
	k := NewKeywordResponder(0)
	tokens := collect(t, k, "bye")

	assert.Equal(t, []string{"Goodbye! ", "Have ", "a ", "great ", "day! "}, tokens)
	assert.Equal(t, "Goodbye! Have a great day!", strings.TrimSpace(strings.Join(tokens, "")))
}

func TestKeywordTokenInterval(t *testing.T) {
	k := NewKeywordResponder(10 * time.Millisecond)

	start := time.Now()
	tokens := collect(t, k, "bye")
	elapsed := time.Since(start)

	assert.Len(t, tokens, 5)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestKeywordStopsOnYieldError(t *testing.T) {
	k := NewKeywordResponder(0)
	stop := errors.New("closed")

	count := 0
	err := k.Respond(context.Background(), "bye", func(string) error {
		count++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, count)
}

func TestKeywordHonoursCancellation(t *testing.T) {
	k := NewKeywordResponder(time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	var tokens []string
	done := make(chan error, 1)
	go func() {
		done <- k.Respond(ctx, "bye", func(tok string) error {
			tokens = append(tokens, tok)
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop after cancellation")
	}
	assert.Len(t, tokens, 1)
}
