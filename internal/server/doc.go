// Package server implements the peer side of the namespace framing.
//
// It accepts WebSocket connections, answers namespace connects (running
// per-namespace middleware first), dispatches events to handlers and
// correlates acks in both directions. The echo server binary and the
// client package tests run against it.
package server
