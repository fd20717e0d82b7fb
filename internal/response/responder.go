package response

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Responder turns a transcript into reply tokens. Implementations call
// yield once per token in order and stop when yield returns an error.
type Responder interface {
	Respond(ctx context.Context, text string, yield func(token string) error) error
	Name() string
}

type keywordRule struct {
	keyword string
	reply   func(now time.Time, text string) string
}

func fixed(s string) func(time.Time, string) string {
	return func(time.Time, string) string { return s }
}

// Rules are checked in order; the first keyword contained in the lowercased
// transcript wins.
var defaultRules = []keywordRule{
	{"hello", fixed("Hello! How can I help you today?")},
	{"hi", fixed("Hi there! What can I do for you?")},
	{"weather", fixed("I don't have access to real-time weather data, but I can help you with other questions!")},
	{"time", func(now time.Time, _ string) string {
		return "The current time is " + now.Format("03:04 PM")
	}},
	{"name", fixed("I'm your local voice assistant, running entirely on your machine!")},
	{"how are you", fixed("I'm functioning perfectly! How can I assist you?")},
	{"thank", fixed("You're welcome! Is there anything else I can help with?")},
	{"bye", fixed("Goodbye! Have a great day!")},
}

// KeywordResponder answers from a fixed keyword table and streams the reply
// word by word with a fixed spacing between tokens.
type KeywordResponder struct {
	interval time.Duration
	now      func() time.Time
	rules    []keywordRule
}

// NewKeywordResponder creates the keyword responder. interval is the pause
// between tokens; zero streams them back to back.
func NewKeywordResponder(interval time.Duration) *KeywordResponder {
	return &KeywordResponder{interval: interval, now: time.Now, rules: defaultRules}
}

func (k *KeywordResponder) Name() string { return "keyword" }

// Reply returns the full reply text for a transcript.
func (k *KeywordResponder) Reply(text string) string {
	lower := strings.ToLower(text)
	for _, rule := range k.rules {
		if strings.Contains(lower, rule.keyword) {
			return rule.reply(k.now(), text)
		}
	}
	return fmt.Sprintf("You said: '%s'. I'm a simple demo assistant. Try asking about the time, weather, or just say hello!", text)
}

func (k *KeywordResponder) Respond(ctx context.Context, text string, yield func(token string) error) error {
	words := strings.Fields(k.Reply(text))
	for i, word := range words {
		if i > 0 && k.interval > 0 {
			select {
			case <-time.After(k.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := yield(word + " "); err != nil {
			return err
		}
	}
	return nil
}
