// Package audio handles PCM16 frame decoding, per-utterance sample buffering
// with a hard duration cap, and WAV encoding for transcription engines.
package audio
