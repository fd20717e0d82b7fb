// Package vad implements per-session endpointing: a mean absolute amplitude
// threshold with a consecutive-quiet accumulator that signals the end of an utterance.
package vad
