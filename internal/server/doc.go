// Package server is the WebSocket transport of the relay.
//
// A Gateway owns the live clients and their read/write pumps, hands inbound
// frames to an Events sink and delivers outbound frames by connection id.
// Handlers upgrade HTTP requests after the origin and identity checks, and
// expose a JSON health endpoint.
package server
