package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process; records expire ttl after their last update.
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	jobs map[string]Job
	now  func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:  ttl,
		jobs: make(map[string]Job),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && !s.expired(j) {
		return Job{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	now := s.now().UTC()
	j := Job{ID: id, Stage: StageCreated, CreatedAt: now, UpdatedAt: now}
	s.jobs[id] = j
	return j, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || s.expired(j) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

func (s *MemoryStore) Advance(_ context.Context, id string, from, to Stage, mutate Mutation) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || s.expired(j) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := apply(&j, from, to, mutate, s.now().UTC()); err != nil {
		return Job{}, err
	}
	s.jobs[id] = j
	return j, nil
}

// Sweep drops expired jobs and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if s.expired(j) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps expired jobs every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(j Job) bool {
	return s.ttl > 0 && s.now().Sub(j.UpdatedAt) > s.ttl
}
