// Package storage is the sqlite persistence layer: notifications with their
// per-channel delivery state and reminder schedule, plus the append-only
// audit trail. It implements kit.Store.
package storage
