package allocator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalAllocator is the TEST variant: an in-memory fake that reports every
// job as immediately ready on loopback. It backs local development and the
// scheduler's own tests, where no cluster is reachable.
type LocalAllocator struct {
	host   string
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]struct{}
}

// NewLocalAllocator creates the fake. host is reported for every job;
// defaults to 127.0.0.1 when empty.
func NewLocalAllocator(host string, logger *zap.Logger) *LocalAllocator {
	if host == "" {
		host = "127.0.0.1"
	}
	return &LocalAllocator{
		host:   host,
		logger: logger.Named("local_allocator"),
		jobs:   make(map[string]struct{}),
	}
}

func (a *LocalAllocator) CreateJob(_ context.Context, _ string, _ map[string]any) (string, error) {
	id := uuid.NewString()

	a.mu.Lock()
	a.jobs[id] = struct{}{}
	a.mu.Unlock()

	a.logger.Info("local job created", zap.String("job_id", id))
	return id, nil
}

func (a *LocalAllocator) DestroyJob(_ context.Context, jobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.jobs[jobID]; !ok {
		return fmt.Errorf("%w %s", ErrInvalidJob, jobID)
	}
	delete(a.jobs, jobID)
	return nil
}

func (a *LocalAllocator) JobDetails(_ context.Context, _ string, jobID string) (Details, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.jobs[jobID]; !ok {
		return Details{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return Details{Host: a.host}, nil
}

func (a *LocalAllocator) Close() error { return nil }
