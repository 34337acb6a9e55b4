// Package connection keeps one persistent, authenticated websocket session
// alive: handshake, heartbeats, reconnects under the shared retry policy and
// graceful shutdown, all driven by an explicit state machine.
package connection
