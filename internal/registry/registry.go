// Package registry is the durable job table shared by the master and the
// slave. It maps a job ID to its owner, its planned expiry and the backend
// host it runs on. Two backends are provided: a relational store (sqlite or
// postgres via GORM) and a DynamoDB store. All timestamps are persisted as
// ISO-8601 strings so both backends share one row format.
package registry

import (
	"context"
	"errors"
	"time"
)

// SandboxUser is the owner recorded for jobs started while authentication
// is disabled. Ownership checks are skipped for these jobs.
const SandboxUser = "SANDBOX_USER"

// ErrNotFound is returned when the requested job does not exist.
// Callers check it with errors.Is to map registry misses to 404.
var ErrNotFound = errors.New("job not found")

// ErrDuplicate is returned when inserting a job whose ID already exists.
var ErrDuplicate = errors.New("job already exists")

// Job is a single registry row. StartTime and EndTime are fixed at insertion
// and never mutated; Host starts empty and is written once the allocator
// reports the backend as reachable.
type Job struct {
	ID        string
	User      string
	StartTime time.Time
	EndTime   time.Time
	Host      string
}

// Expired reports whether the job's planned lifetime has elapsed at now.
func (j Job) Expired(now time.Time) bool {
	return !now.Before(j.EndTime)
}

// Store is the persistence contract consumed by the scheduler, the reaper
// and the websocket proxy. Implementations scope their connections per call
// and release them on all exit paths.
type Store interface {
	// Insert adds a new row. Returns ErrDuplicate if the ID is taken.
	Insert(ctx context.Context, job Job) error

	// Get returns the row for the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (Job, error)

	// List returns every row. Used by the reaper scan.
	List(ctx context.Context) ([]Job, error)

	// UpdateHost records the backend host for a job. Idempotent — concurrent
	// status calls may write the same value. Returns ErrNotFound if the row
	// is gone.
	UpdateHost(ctx context.Context, id, host string) error

	// Delete removes the row. Deleting a missing row is not an error — the
	// reaper and an explicit stop may race for the same ID.
	Delete(ctx context.Context, id string) error

	Close() error
}

// timeFormat is the on-disk timestamp layout. RFC 3339 with nanoseconds
// round-trips through formatting and parsing without loss.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
