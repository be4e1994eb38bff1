// Package storage persists the relay watermark and a small audit log.
//
// The watermark is a single integer slot: the id of the last announcement
// confirmed delivered. It survives restarts; there is no in-memory mode.
// The audit log records operator commands and dead-lettered announcements.
package storage
