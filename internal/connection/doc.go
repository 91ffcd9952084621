// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one Transport Connection per remote endpoint
//   - Creates and caches one logical Socket per namespace
//   - Optionally starts connecting new sockets (autoConnect)
//   - Routes inbound packets and transport events to the sockets
//
// Closing a manager is not supported: the transport offers no way to tear
// down the shared connection without affecting every namespace on it, so
// Close and Disconnect only log a notice. Close sockets individually.
package connection
