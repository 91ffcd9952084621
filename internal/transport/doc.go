// Package transport implements the Transport Connection component.
//
// The Transport Connection:
//   - Owns exactly one WebSocket connection to a remote endpoint
//   - Frames namespace packets as JSON text messages
//   - Reconnects with exponential backoff and jitter
//   - Emits connectivity events (open, close, error, reconnect_*)
//
// There is no selective close: a connection is either shared by
// every namespace multiplexed on it or shut down for all of them.
package transport
