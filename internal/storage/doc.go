// Package storage persists subscriptions, delivery attempts and notifier
// dedup keys. SQLite and PostgreSQL share one SQL implementation; the file
// backend keeps everything in JSON files next to each other.
package storage
