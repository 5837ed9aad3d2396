package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Patch is a partial update applied by UpdateJob. Nil fields are left alone.
type Patch struct {
	Status   *Status
	Progress *int
	Result   json.RawMessage
	Error    *string
	Meta     *MetaPatch
}

// Manager wraps a Store with lifecycle operations. Every operation is one
// read-modify-write with no locking; concurrent writers resolve last-write-wins.
// Storage errors are returned to the caller without internal retry.
type Manager struct {
	store      Store
	eventLimit int
	faultLimit int
	now        func() time.Time
}

type ManagerOption func(*Manager)

func WithHistoryLimits(events, faults int) ManagerOption {
	return func(m *Manager) {
		if events > 0 {
			m.eventLimit = events
		}
		if faults > 0 {
			m.faultLimit = faults
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		eventLimit: DefaultEventLimit,
		faultLimit: DefaultFaultLimit,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateJob admits a new pending job. The payload is immutable afterwards.
func (m *Manager) CreateJob(ctx context.Context, ownerID, jobType string, payload any, meta MetaPatch) (*AsyncJob, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	now := m.now().UTC()
	meta.Events = append([]Event{{At: now, Kind: "created"}}, meta.Events...)

	j := &AsyncJob{
		ID:        uuid.NewString(),
		UserID:    ownerID,
		Type:      jobType,
		Status:    StatusPending,
		Payload:   raw,
		Metadata:  Metadata{Version: MetadataVersion}.Merge(meta, m.eventLimit, m.faultLimit),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	slog.Info("JOBS: Created job", "job_id", j.ID, "user_id", ownerID, "type", jobType)
	return j, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*AsyncJob, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// UpdateJob re-reads the job, applies the patch, and writes it back.
func (m *Manager) UpdateJob(ctx context.Context, id string, p Patch) (*AsyncJob, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if err := m.apply(j, p); err != nil {
		return nil, err
	}
	if err := m.store.Update(ctx, j); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	return j, nil
}

// AppendMeta shallow-merges patch into the job metadata.
func (m *Manager) AppendMeta(ctx context.Context, j *AsyncJob, patch MetaPatch) (*AsyncJob, error) {
	return m.UpdateJob(ctx, j.ID, Patch{Meta: &patch})
}

// UpdateProgress clamps value to [0,100]. Progress never moves backwards.
func (m *Manager) UpdateProgress(ctx context.Context, j *AsyncJob, value int, extra *MetaPatch) (*AsyncJob, error) {
	v := clamp(value)
	return m.UpdateJob(ctx, j.ID, Patch{Progress: &v, Meta: extra})
}

func (m *Manager) MarkProcessing(ctx context.Context, j *AsyncJob) (*AsyncJob, error) {
	s := StatusProcessing
	return m.UpdateJob(ctx, j.ID, Patch{
		Status: &s,
		Meta:   &MetaPatch{Events: []Event{{At: m.now().UTC(), Kind: "processing"}}},
	})
}

func (m *Manager) MarkCompleted(ctx context.Context, j *AsyncJob, result any) (*AsyncJob, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	s := StatusCompleted
	p := 100
	out, err := m.UpdateJob(ctx, j.ID, Patch{
		Status:   &s,
		Progress: &p,
		Result:   raw,
		Meta: &MetaPatch{
			Events:          []Event{{At: m.now().UTC(), Kind: "completed"}},
			ClearCheckpoint: true,
		},
	})
	if err != nil {
		return nil, err
	}
	slog.Info("JOBS: Job completed", "job_id", j.ID)
	return out, nil
}

func (m *Manager) MarkFailed(ctx context.Context, j *AsyncJob, message string, extra *MetaPatch) (*AsyncJob, error) {
	s := StatusFailed
	patch := MetaPatch{}
	if extra != nil {
		patch = *extra
	}
	patch.Events = append(patch.Events, Event{At: m.now().UTC(), Kind: "failed", Message: message})
	out, err := m.UpdateJob(ctx, j.ID, Patch{Status: &s, Error: &message, Meta: &patch})
	if err != nil {
		return nil, err
	}
	slog.Warn("JOBS: Job failed", "job_id", j.ID, "error", message)
	return out, nil
}

// FindActiveJobBySignature returns the non-terminal job sharing signature, or ErrNotFound.
func (m *Manager) FindActiveJobBySignature(ctx context.Context, userID, signature string) (*AsyncJob, error) {
	return m.store.FindActiveBySignature(ctx, userID, signature)
}

// FailIfStale marks a processing job failed when it has not been touched for
// longer than threshold. It reports whether the job was failed.
func (m *Manager) FailIfStale(ctx context.Context, j *AsyncJob, threshold time.Duration) (bool, error) {
	if j.Status != StatusProcessing || threshold <= 0 {
		return false, nil
	}
	idle := m.now().Sub(j.UpdatedAt)
	if idle <= threshold {
		return false, nil
	}
	msg := fmt.Sprintf("job stalled: no progress for %s", idle.Round(time.Second))
	if _, err := m.MarkFailed(ctx, j, msg, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) apply(j *AsyncJob, p Patch) error {
	if p.Status != nil && *p.Status != j.Status {
		if !allowed(j.Status, *p.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, *p.Status)
		}
		j.Status = *p.Status
	} else if j.Status.Terminal() && (p.Progress != nil || p.Result != nil || p.Error != nil) {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	if p.Progress != nil && j.Status != StatusFailed {
		if v := clamp(*p.Progress); v > j.Progress {
			j.Progress = v
		}
	}
	if p.Result != nil {
		j.Result = cloneRaw(p.Result)
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.Meta != nil {
		j.Metadata = j.Metadata.Merge(*p.Meta, m.eventLimit, m.faultLimit)
	}
	j.UpdatedAt = m.now().UTC()
	return nil
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
