// Package session implements the per-connection voice pipeline: endpoint
// detection over incoming PCM frames, an ordered utterance queue drained by a
// single transcription worker, streamed responses and the outbound status
// events that describe each step. The Manager tracks live sessions and
// enforces limits and idle timeouts.
package session
