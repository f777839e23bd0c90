// Package mqtt connects the controller to its broker.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to the device's inbound topics. Received messages pass
// a rate limiter and land in a bounded inbox that the control loop
// drains; the paho callback never blocks on the loop. Publishes are
// synchronous and return the broker's verdict to the caller.
//
// The package also derives the device identity used to name the client
// and, optionally, the topic namespace.
package mqtt
