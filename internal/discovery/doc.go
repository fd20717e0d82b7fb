// Package discovery advertises the websocket endpoint over mDNS and lets
// clients find it without a configured address.
package discovery
