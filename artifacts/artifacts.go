// Package artifacts archives finalized plans outside the job store.
package artifacts

import (
	"context"
	"errors"
	"path"
	"sync"
)

var ErrNotFound = errors.New("artifact not found")

// Archive stores opaque documents by key.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// PlanKey is the archive key of a finalized plan.
func PlanKey(prefix, jobID string) string {
	return path.Join(prefix, jobID+".json")
}

// MemoryArchive is an in-memory Archive for tests and local runs.
type MemoryArchive struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{data: map[string][]byte{}}
}

// NewMemoryArchiveWithError returns an archive whose every call fails with err.
func NewMemoryArchiveWithError(err error) *MemoryArchive {
	return &MemoryArchive{data: map[string][]byte{}, err: err}
}

func (a *MemoryArchive) Put(_ context.Context, key string, data []byte) error {
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[key] = append([]byte(nil), data...)
	return nil
}

func (a *MemoryArchive) Get(_ context.Context, key string) ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Keys lists stored keys in no particular order.
func (a *MemoryArchive) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.data))
	for k := range a.data {
		out = append(out, k)
	}
	return out
}
