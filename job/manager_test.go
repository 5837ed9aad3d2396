package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*AsyncJob
	failGet error
	failPut error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*AsyncJob{}}
}

func (s *fakeStore) Create(_ context.Context, j *AsyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*AsyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *fakeStore) Update(_ context.Context, j *AsyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *fakeStore) FindActiveBySignature(_ context.Context, userID, signature string) (*AsyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.UserID == userID && j.Metadata.Signature == signature && !j.Status.Terminal() {
			return j.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

type testClock struct{ t time.Time }

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func strPtr(s string) *string { return &s }

func newTestManager(t *testing.T) (*Manager, *fakeStore, *testClock) {
	t.Helper()
	store := newFakeStore()
	clock := newTestClock()
	return NewManager(store, WithClock(clock.now), WithHistoryLimits(3, 2)), store, clock
}

func TestManager_CreateJob(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "user-1", "meal_plan_generation", map[string]int{"days": 7}, MetaPatch{Signature: strPtr("sig")})
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.JSONEq(t, `{"days":7}`, string(j.Payload))
	assert.Equal(t, "sig", j.Metadata.Signature)
	assert.Equal(t, MetadataVersion, j.Metadata.Version)
	require.Len(t, j.Metadata.Events, 1)
	assert.Equal(t, "created", j.Metadata.Events[0].Kind)

	stored, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, stored.ID)
}

func TestManager_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Status
		wantErr bool
	}{
		{"pending to processing to completed", []Status{StatusProcessing, StatusCompleted}, false},
		{"pending to processing to failed", []Status{StatusProcessing, StatusFailed}, false},
		{"pending to failed", []Status{StatusFailed}, false},
		{"pending to completed", []Status{StatusCompleted}, true},
		{"completed is final", []Status{StatusProcessing, StatusCompleted, StatusFailed}, true},
		{"failed is final", []Status{StatusFailed, StatusProcessing}, true},
		{"processing back to pending", []Status{StatusProcessing, StatusPending}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t)
			ctx := context.Background()
			j, err := m.CreateJob(ctx, "u", "t", nil, MetaPatch{})
			require.NoError(t, err)

			var lastErr error
			for _, s := range tt.steps {
				s := s
				if _, lastErr = m.UpdateJob(ctx, j.ID, Patch{Status: &s}); lastErr != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, lastErr, ErrInvalidTransition)
			} else {
				assert.NoError(t, lastErr)
			}
		})
	}
}

func TestManager_UpdateProgress(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	j, err := m.CreateJob(ctx, "u", "t", nil, MetaPatch{})
	require.NoError(t, err)
	j, err = m.MarkProcessing(ctx, j)
	require.NoError(t, err)

	tests := []struct {
		name  string
		value int
		want  int
	}{
		{"moves forward", 30, 30},
		{"never moves backwards", 10, 30},
		{"clamps above 100", 250, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.UpdateProgress(ctx, j, tt.value, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Progress)
		})
	}

	t.Run("negative clamps to zero without lowering", func(t *testing.T) {
		got, err := m.UpdateProgress(ctx, j, -5, nil)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
	})
}

func TestManager_MarkCompletedClearsCheckpoint(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	j, err := m.CreateJob(ctx, "u", "t", nil, MetaPatch{})
	require.NoError(t, err)
	j, err = m.MarkProcessing(ctx, j)
	require.NoError(t, err)

	j, err = m.AppendMeta(ctx, j, MetaPatch{Checkpoint: &Checkpoint{Version: 1, RemainingIndexes: []int{4, 5}}})
	require.NoError(t, err)
	require.NotNil(t, j.Metadata.Checkpoint)

	j, err = m.MarkCompleted(ctx, j, map[string]string{"summary": "ok"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.JSONEq(t, `{"summary":"ok"}`, string(j.Result))
	assert.Nil(t, j.Metadata.Checkpoint)

	_, err = m.UpdateProgress(ctx, j, 50, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManager_MarkFailedKeepsDiagnostics(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	j, err := m.CreateJob(ctx, "u", "t", nil, MetaPatch{})
	require.NoError(t, err)
	j, err = m.MarkProcessing(ctx, j)
	require.NoError(t, err)
	j, err = m.UpdateProgress(ctx, j, 40, nil)
	require.NoError(t, err)

	item := 3
	j, err = m.MarkFailed(ctx, j, "assign_recipes failed twice", &MetaPatch{
		Faults:    []Fault{{Step: "assign_recipes", Kind: "transient", Message: "boom", Item: &item}},
		LastState: []byte(`{"phase":"assigning"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "assign_recipes failed twice", j.Error)
	assert.Equal(t, 40, j.Progress)
	require.Len(t, j.Metadata.Faults, 1)
	assert.Equal(t, 3, *j.Metadata.Faults[0].Item)
	assert.JSONEq(t, `{"phase":"assigning"}`, string(j.Metadata.LastState))

	// metadata-only appends are still accepted for inspection
	_, err = m.AppendMeta(ctx, j, MetaPatch{Events: []Event{{Kind: "note"}}})
	assert.NoError(t, err)
}

func TestManager_HistoryIsBounded(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	j, err := m.CreateJob(ctx, "u", "t", nil, MetaPatch{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		j, err = m.AppendMeta(ctx, j, MetaPatch{
			Events: []Event{{Kind: "tick", Message: string(rune('a' + i))}},
			Faults: []Fault{{Step: "s", Message: string(rune('a' + i))}},
		})
		require.NoError(t, err)
	}

	require.Len(t, j.Metadata.Events, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{j.Metadata.Events[0].Message, j.Metadata.Events[1].Message, j.Metadata.Events[2].Message})
	require.Len(t, j.Metadata.Faults, 2)
	assert.Equal(t, "d", j.Metadata.Faults[0].Message)
	assert.Equal(t, "e", j.Metadata.Faults[1].Message)
}

func TestManager_FindActiveJobBySignature(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateJob(ctx, "u", "t", nil, MetaPatch{Signature: strPtr("abc")})
	require.NoError(t, err)

	got, err := m.FindActiveJobBySignature(ctx, "u", "abc")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = m.FindActiveJobBySignature(ctx, "other-user", "abc")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.MarkFailed(ctx, first, "dispatch failed", nil)
	require.NoError(t, err)
	_, err = m.FindActiveJobBySignature(ctx, "u", "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_FailIfStale(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	j, err := m.CreateJob(ctx, "u", "t", nil, MetaPatch{})
	require.NoError(t, err)

	failed, err := m.FailIfStale(ctx, j, time.Minute)
	require.NoError(t, err)
	assert.False(t, failed, "pending jobs are never stale")

	j, err = m.MarkProcessing(ctx, j)
	require.NoError(t, err)

	clock.advance(30 * time.Second)
	failed, err = m.FailIfStale(ctx, j, time.Minute)
	require.NoError(t, err)
	assert.False(t, failed)

	clock.advance(time.Minute)
	failed, err = m.FailIfStale(ctx, j, time.Minute)
	require.NoError(t, err)
	assert.True(t, failed)

	got, err := m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "stalled")
}

func TestManager_StorageErrorsAreReturned(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	j, err := m.CreateJob(ctx, "u", "t", nil, MetaPatch{})
	require.NoError(t, err)

	boom := errors.New("connection reset")
	store.failGet = boom
	_, err = m.MarkProcessing(ctx, j)
	assert.ErrorIs(t, err, boom)

	store.failGet = nil
	store.failPut = boom
	_, err = m.UpdateProgress(ctx, j, 10, nil)
	assert.ErrorIs(t, err, boom)
}
