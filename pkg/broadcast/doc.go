/*
Package broadcast fans envelopes out to live viewers.

Broadcast is the single publish path used by the hook queue worker, the
session API and the heartbeat emitter. For every envelope it appends to the
history buffer, then queues the encoded frame on the outbox of each
subscribed connection. One writer goroutine per connection drains its
outbox with a per-send timeout, so frames reach a viewer in the order they
were broadcast and a stalled viewer never delays the others.

A send that fails, or an outbox that is full, becomes a retry entry for
that one connection. The retry queue redelivers through SendDirect, which
writes to the connection immediately and reports
registry.ErrConnectionNotFound once the viewer is gone.

Connect takes the history snapshot and queues it as the first outbox frame
inside the same critical section that admits broadcasts. A new viewer
therefore sees its replay before any live envelope and never sees an
envelope both in the replay and live.
*/
package broadcast
