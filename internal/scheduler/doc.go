// Package scheduler owns the live job table. Jobs are evaluated by a single
// robfig/cron loop; each firing runs on its own goroutine, firings of one
// job are serialized, and missed firings are never replayed.
package scheduler
