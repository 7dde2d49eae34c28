// Package registry tracks live viewer connections: when they connected, when
// they last answered a liveness probe, their delivery counters and the
// channel patterns they subscribed to.
//
// The registry owns bookkeeping only. Sending and teardown go through the
// Conn each record was registered with, driven by the broadcast and health
// packages.
package registry
