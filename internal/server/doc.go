// Package server implements the websocket endpoint that binds streaming audio
// connections to sessions, and the HTTP API used for health checks,
// session monitoring and Prometheus scraping.
package server
