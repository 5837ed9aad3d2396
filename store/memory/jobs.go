// Package memory holds in-process implementations of every store, used by the
// local binaries and by tests.
package memory

import (
	"context"
	"sync"

	"mealplanagent/job"
)

// JobStore is a job.Store backed by a map. Rows are cloned on the way in and
// out so callers never share state with the store.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*job.AsyncJob
	// Fail, when set, is consulted before every operation.
	Fail func(op string) error
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: map[string]*job.AsyncJob{}}
}

func (s *JobStore) check(op string) error {
	if s.Fail != nil {
		return s.Fail(op)
	}
	return nil
}

func (s *JobStore) Create(_ context.Context, j *job.AsyncJob) error {
	if err := s.check("create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *JobStore) Get(_ context.Context, id string) (*job.AsyncJob, error) {
	if err := s.check("get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *JobStore) Update(_ context.Context, j *job.AsyncJob) error {
	if err := s.check("update"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return job.ErrNotFound
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// FindActiveBySignature returns the most recently created non-terminal job.
func (s *JobStore) FindActiveBySignature(_ context.Context, userID, signature string) (*job.AsyncJob, error) {
	if err := s.check("find"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *job.AsyncJob
	for _, j := range s.jobs {
		if j.UserID != userID || j.Metadata.Signature != signature || j.Status.Terminal() {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, job.ErrNotFound
	}
	return best.Clone(), nil
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
