// Package websocket streams scheduler events to browser clients. The Hub is
// registered as an operations.Listener; each connected Client gets every
// event as a JSON Message.
package websocket
