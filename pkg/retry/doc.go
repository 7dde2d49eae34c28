/*
Package retry redelivers envelopes whose send to a single viewer failed.

Each failed (envelope, connection) pair becomes an Entry. The processor
started by Run wakes every interval, abandons entries older than MaxAge and
redelivers the ones whose NextRetryAt has passed. Backoff between attempts
follows a fixed step table, capped at its last step:

	1s, 2s, 4s, 8s

A failed redelivery increments AttemptCount; the entry is abandoned once it
reaches MaxAttempts, so a viewer never sees more than MaxAttempts
redeliveries of the same envelope. An entry whose connection has gone away
is abandoned on its next attempt.

The queue is bounded. Scheduling into a full queue evicts the oldest entry.
Counters are atomics and can be read with Stats while a cycle is running.
*/
package retry
