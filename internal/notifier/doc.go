// Package notifier mirrors accepted notifications to an out-of-app channel
// (the platform-level alert), for example a Telegram chat.
//
// # Delivery
//
// Notify only enqueues. A small worker pool drains the queue through a
// Sender with a shared rate limit and jittered retry. Nothing here can block
// or fail the ingestion pipeline: a full queue drops the item and reports
// ErrQueueFull.
//
// # History
//
// For operator visibility the service keeps a short in-memory history of
// delivered items.
package notifier
