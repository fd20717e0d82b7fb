// Package client implements the streaming side of the websocket protocol:
// a connection state machine that reconnects with exponential backoff,
// sends PCM frames and delivers server events on a channel.
package client
