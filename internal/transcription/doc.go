// Package transcription wraps speech-to-text engines behind one interface and
// provides the per-session invoker that enforces a single in-flight request
// and measures engine latency. Engines: HTTP multipart upload with retries,
// a local command runner and a fixed-text mock.
package transcription
