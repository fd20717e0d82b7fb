// Package bus publishes per-utterance latency records and session lifecycle
// events to NATS so they can be aggregated outside the service.
package bus
