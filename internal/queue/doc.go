// Package queue is the durable outbox of pending remote mutations.
//
// Entries are appended by Enqueue and drained by Process, which is
// single-flight per queue: concurrent callers share the in-flight run.
// Entries are sent in priority-then-timestamp order. A failed send bumps the
// entry's retry count and stamps its last attempt; an entry that reached
// MaxRetries stays queued and is reported by NeedsAttention instead of being
// dropped. Every change to the entry list is written through the Persister.
package queue
