// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Cached logical sockets per manager
//   - Namespace connect attempts and socket lifecycle events
//   - Transport connectivity events (open, close, reconnect)
//   - Packets sent and received
//   - Unsupported manager operations (close/disconnect)
package metrics
