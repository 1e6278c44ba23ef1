// Package hyperliquid multiplexes a single Hyperliquid market-data WebSocket
// among many listeners.
//
// A Supervisor owns the connection and its lifecycle. Listeners are kept in a
// Registry keyed by channel (or, in KeyBySubscription mode, by channel plus
// subscription parameters). Every inbound frame is decoded once by the Router
// and handed synchronously, in registration order, to the listeners of its key
// on the connection's read goroutine. Listeners must return promptly.
package hyperliquid
