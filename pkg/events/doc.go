/*
Package events holds the two in-memory event structures of the server: the
hook event queue and the history buffer.

# Hook Queue

Hook events arrive inline from the editor and must never wait on network
I/O. Queue accepts them with a non-blocking Enqueue and processes them on a
single worker goroutine started by Run:

	q := events.NewQueue(events.DefaultQueueConfig(), broadcaster.Broadcast)
	go q.Run(ctx)

	if !q.Enqueue(env) {
		// queue full, event dropped and counted
	}

Events are dispatched in FIFO order with a per-event processing timeout. A
dispatch error or panic is logged and counted; the worker keeps going.

# History

History is a fixed-capacity ring buffer of the most recent envelopes. When
full, appending evicts the oldest entry. Snapshot returns up to n of the
newest entries in oldest-first order and is what new viewers receive as
their replay batch.
*/
package events
