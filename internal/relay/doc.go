// Package relay implements the stream side of the phonecam relay: WebSocket
// connection gateway, session management with a single producer slot, and
// frame fan-out to the virtual camera sink queue and consumer sessions.
package relay
