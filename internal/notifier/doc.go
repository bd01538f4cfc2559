// Package notifier delivers short failure notices to subscription owners.
//
// Notices go through a bounded queue served by a small worker pool. Sends
// are rate limited and retried with backoff. A notice for the same owner,
// subscription and reason is suppressed for a dedup window, optionally
// persisted so a restart does not repeat it.
package notifier
