// Package protocol defines the websocket wire contract: the JSON events the
// server emits (status, transcript, token, latency_stats, error) and the
// handshake parameters a client may send.
package protocol
