// Package allocator abstracts the remote cluster that runs visualization
// backends. The scheduler only sees this capability set; the concrete
// variant (AWS ECS task, UNICORE batch job, or the in-memory test fake) is
// selected at startup.
package allocator

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupported is returned by variants that cannot perform the
	// requested operation (the UNICORE variant cannot destroy jobs).
	ErrUnsupported = errors.New("operation not supported by this allocator")

	// ErrJobNotFound means the cluster has no trace of the job.
	ErrJobNotFound = errors.New("job not found on cluster")

	// ErrInvalidJob means the cluster rejected the job ID, typically because
	// the job was already stopped or never existed. Maps to 400.
	ErrInvalidJob = errors.New("invalid job id")

	// ErrBadPayload means the request body is missing a field the variant
	// requires (project, usecase). Maps to 400.
	ErrBadPayload = errors.New("invalid request payload")

	// ErrAllocation means the cluster refused to start the job or returned
	// a broken response. Maps to 500.
	ErrAllocation = errors.New("job allocation failed")
)

// Details is the transient read-model for a job's runtime state. Host stays
// empty until the backend is reachable; EndTime is nil when the variant does
// not track expiry itself (the scheduler then falls back to the registry).
type Details struct {
	Host    string
	EndTime *time.Time
}

// Ready reports whether the backend accepts connections.
func (d Details) Ready() bool {
	return d.Host != ""
}

// Allocator is the job lifecycle capability consumed by the scheduler.
// The token is the caller's raw Authorization header — variants that talk
// to token-authenticated clusters (UNICORE) forward it as-is.
type Allocator interface {
	// CreateJob launches a job and returns its cluster-issued ID.
	CreateJob(ctx context.Context, token string, payload map[string]any) (string, error)

	// DestroyJob stops the job. Variants without a stop primitive return
	// ErrUnsupported.
	DestroyJob(ctx context.Context, jobID string) error

	// JobDetails reports the job's current host and expiry.
	JobDetails(ctx context.Context, token, jobID string) (Details, error)

	// Close releases resources held by the variant.
	Close() error
}
