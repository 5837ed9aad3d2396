package memory

import (
	"context"
	"sort"
	"sync"

	"mealplanagent/draft"
)

type DraftStore struct {
	mu     sync.Mutex
	drafts map[string]*draft.Draft
	saves  int
	// Fail, when set, is consulted before every operation.
	Fail func(op string) error
}

func NewDraftStore() *DraftStore {
	return &DraftStore{drafts: map[string]*draft.Draft{}}
}

func (s *DraftStore) check(op string) error {
	if s.Fail != nil {
		return s.Fail(op)
	}
	return nil
}

func (s *DraftStore) Get(_ context.Context, id string) (*draft.Draft, error) {
	if err := s.check("get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return nil, draft.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *DraftStore) Save(_ context.Context, d *draft.Draft) error {
	if err := s.check("save"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[d.ID] = d.Clone()
	s.saves++
	return nil
}

func (s *DraftStore) DeleteDuplicateFailed(_ context.Context, householdID, message string) (int, error) {
	if err := s.check("delete"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []*draft.Draft
	for _, d := range s.drafts {
		if d.HouseholdID == householdID && d.Status == draft.StatusFailed && d.Error == message {
			matches = append(matches, d)
		}
	}
	if len(matches) < 2 {
		return 0, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	for _, d := range matches[1:] {
		delete(s.drafts, d.ID)
	}
	return len(matches) - 1, nil
}

// Saves counts successful Save calls.
func (s *DraftStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// All returns every stored draft.
func (s *DraftStore) All() []*draft.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*draft.Draft, 0, len(s.drafts))
	for _, d := range s.drafts {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
