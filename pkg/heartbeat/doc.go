// Package heartbeat publishes a periodic "heartbeat" envelope on the
// system_event channel with uptime, connection and event totals, the
// active session table and server identification. Viewers can subscribe to
// it independently of domain events.
package heartbeat
