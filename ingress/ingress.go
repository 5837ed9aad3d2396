// Package ingress admits plan requests: it authenticates, scopes, and
// deduplicates them, then hands new jobs to a worker and returns at once.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mealplanagent"
	"mealplanagent/artifacts"
	"mealplanagent/dispatch"
	"mealplanagent/household"
	"mealplanagent/job"
)

// Locker serializes admission of identical requests across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// PlanRequestBody is the client-supplied part of a plan request. The user
// comes from the bearer token, never from the body.
type PlanRequestBody struct {
	HouseholdID    string   `json:"household_id,omitempty"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	MealsPerDay    int      `json:"meals_per_day"`
	Servings       int      `json:"servings,omitempty"`
	DietaryStyles  []string `json:"dietary_styles,omitempty"`
	Preferences    string   `json:"preferences,omitempty"`
	MaxPrepMinutes int      `json:"max_prep_minutes,omitempty"`
	MaxCookMinutes int      `json:"max_cook_minutes,omitempty"`
}

// JobAccepted is returned as soon as a request is admitted.
type JobAccepted struct {
	JobID    string     `json:"job_id"`
	Status   job.Status `json:"status"`
	Progress int        `json:"progress"`
	Deduped  bool       `json:"deduped,omitempty"`
}

// JobStatus is the polling view of a job.
type JobStatus struct {
	JobID     string          `json:"job_id"`
	Status    job.Status      `json:"status"`
	Progress  int             `json:"progress"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Events    []job.Event     `json:"events,omitempty"`
	Faults    []job.Fault     `json:"faults,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Service struct {
	jobs       *job.Manager
	households household.Source
	dispatcher dispatch.Dispatcher
	worker     dispatch.Dispatcher
	archive    artifacts.Archive
	locker     Locker
	cfg        mealplanagent.IngressConfig
	schema     *gojsonschema.Schema
	lockWait   time.Duration
	tracer     trace.Tracer
}

type Option func(*Service)

// WithLocker enables the admission lock.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithArchive lets Plan read archived plans instead of the job result.
func WithArchive(a artifacts.Archive) Option {
	return func(s *Service) { s.archive = a }
}

// WithWorker sets where Resume runs invocations. It must execute the job,
// typically in this process; the admission dispatcher may point back at
// this service and would loop.
func WithWorker(d dispatch.Dispatcher) Option {
	return func(s *Service) { s.worker = d }
}

// WithLockWait sets the pause between attempts on a held admission lock.
func WithLockWait(d time.Duration) Option {
	return func(s *Service) { s.lockWait = d }
}

func NewService(jobs *job.Manager, households household.Source, dispatcher dispatch.Dispatcher, cfg mealplanagent.IngressConfig, opts ...Option) (*Service, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(planRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load request schema: %w", err)
	}
	if cfg.AdmissionLock <= 0 {
		cfg.AdmissionLock = 10 * time.Second
	}
	s := &Service{
		jobs:       jobs,
		households: households,
		dispatcher: dispatcher,
		cfg:        cfg,
		schema:     schema,
		lockWait:   50 * time.Millisecond,
		tracer:     otel.Tracer(mealplanagent.TracerNameIngress),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Submit admits a plan request for userID. An identical request whose job is
// still running returns that job instead of starting another one; a running
// job that has gone stale is failed and replaced.
func (s *Service) Submit(ctx context.Context, userID string, body []byte) (JobAccepted, error) {
	ctx, span := s.tracer.Start(ctx, "Ingress.Submit", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	acc, err := s.submit(ctx, userID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, mealplanagent.KindOf(err).String())
		return acc, err
	}
	span.SetAttributes(attribute.String("job.id", acc.JobID), attribute.Bool("deduped", acc.Deduped))
	return acc, nil
}

func (s *Service) submit(ctx context.Context, userID string, body []byte) (JobAccepted, error) {
	const op = "submit plan"
	req, err := s.decode(userID, body)
	if err != nil {
		return JobAccepted{}, err
	}

	hh, err := s.households.ResolveHousehold(ctx, userID, req.HouseholdID)
	switch {
	case errors.Is(err, household.ErrNotMember):
		return JobAccepted{}, mealplanagent.Errorf(mealplanagent.KindAuthorization, op, "user is not a member of household %s", req.HouseholdID)
	case errors.Is(err, household.ErrNotFound):
		return JobAccepted{}, mealplanagent.Errorf(mealplanagent.KindValidation, op, "user has no household to plan for")
	case err != nil:
		return JobAccepted{}, mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}
	req.HouseholdID = hh
	sig := req.Signature()

	if s.locker != nil {
		key := "submit:" + userID + ":" + sig
		token, err := s.acquire(ctx, key)
		if err != nil {
			return JobAccepted{}, err
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				slog.Warn("INGRESS: Failed to release admission lock", "key", key, "error", err)
			}
		}()
	}

	existing, err := s.jobs.FindActiveJobBySignature(ctx, userID, sig)
	switch {
	case err == nil:
		stale, err := s.jobs.FailIfStale(ctx, existing, s.cfg.StaleAfter)
		if err != nil {
			return JobAccepted{}, mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
		}
		if !stale {
			slog.Info("INGRESS: Returning existing job for identical request", "job_id", existing.ID, "user_id", userID)
			return JobAccepted{JobID: existing.ID, Status: existing.Status, Progress: existing.Progress, Deduped: true}, nil
		}
		slog.Warn("INGRESS: Replacing stale job", "job_id", existing.ID, "user_id", userID)
	case !errors.Is(err, job.ErrNotFound):
		return JobAccepted{}, mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}

	j, err := s.jobs.CreateJob(ctx, userID, mealplanagent.JobTypeMealPlan, req, job.MetaPatch{Signature: &sig})
	if err != nil {
		return JobAccepted{}, mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}

	if err := s.dispatcher.Dispatch(ctx, dispatch.Invocation{JobID: j.ID}); err != nil {
		// A pending job nobody runs would block resubmission until it went stale.
		msg := fmt.Sprintf("could not start worker: %v", err)
		if _, ferr := s.jobs.MarkFailed(context.WithoutCancel(ctx), j, msg, nil); ferr != nil {
			slog.Error("INGRESS: Failed to mark undispatched job failed", "job_id", j.ID, "error", ferr)
		}
		return JobAccepted{}, mealplanagent.Wrap(mealplanagent.KindOf(err), op, err)
	}
	slog.Info("INGRESS: Job accepted", "job_id", j.ID, "user_id", userID, "household_id", hh)
	return JobAccepted{JobID: j.ID, Status: j.Status, Progress: j.Progress}, nil
}

func (s *Service) decode(userID string, body []byte) (mealplanagent.PlanRequest, error) {
	const op = "decode plan request"
	if strings.TrimSpace(userID) == "" {
		return mealplanagent.PlanRequest{}, mealplanagent.Errorf(mealplanagent.KindAuthorization, op, "missing user")
	}
	res, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return mealplanagent.PlanRequest{}, mealplanagent.Errorf(mealplanagent.KindValidation, op, "body is not valid JSON: %v", err)
	}
	if !res.Valid() {
		var msgs []string
		for _, desc := range res.Errors() {
			msgs = append(msgs, desc.String())
		}
		return mealplanagent.PlanRequest{}, mealplanagent.Errorf(mealplanagent.KindValidation, op, "%s", strings.Join(msgs, "; "))
	}

	var b PlanRequestBody
	if err := json.Unmarshal(body, &b); err != nil {
		return mealplanagent.PlanRequest{}, mealplanagent.Wrap(mealplanagent.KindValidation, op, err)
	}
	req := mealplanagent.PlanRequest{
		UserID:         userID,
		HouseholdID:    b.HouseholdID,
		StartDate:      b.StartDate,
		EndDate:        b.EndDate,
		MealsPerDay:    b.MealsPerDay,
		Servings:       b.Servings,
		DietaryStyles:  b.DietaryStyles,
		Preferences:    b.Preferences,
		MaxPrepMinutes: b.MaxPrepMinutes,
		MaxCookMinutes: b.MaxCookMinutes,
	}.Normalize()
	if err := req.Validate(); err != nil {
		return mealplanagent.PlanRequest{}, err
	}
	return req, nil
}

// acquire retries a held lock a few times before giving up.
func (s *Service) acquire(ctx context.Context, key string) (string, error) {
	const op = "admission lock"
	try := func() (string, error) {
		token, ok, err := s.locker.Acquire(ctx, key, s.cfg.AdmissionLock)
		if err != nil {
			return "", backoff.Permanent(mealplanagent.Wrap(mealplanagent.KindTransient, op, err))
		}
		if !ok {
			return "", mealplanagent.Errorf(mealplanagent.KindTransient, op, "an identical request is being admitted")
		}
		return token, nil
	}
	return backoff.Retry(ctx, try,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.lockWait)),
		backoff.WithMaxTries(5),
	)
}

// Status returns the job if userID owns it.
func (s *Service) Status(ctx context.Context, userID, jobID string) (JobStatus, error) {
	j, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Error:     j.Error,
		Result:    j.Result,
		Events:    j.Metadata.Events,
		Faults:    j.Metadata.Faults,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}, nil
}

// Plan returns the finalized plan document of a completed job, preferring the
// archived copy.
func (s *Service) Plan(ctx context.Context, userID, jobID string) ([]byte, error) {
	const op = "get plan"
	j, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusCompleted {
		return nil, mealplanagent.Errorf(mealplanagent.KindValidation, op, "job %s is %s", j.ID, j.Status)
	}
	var res mealplanagent.PlanResult
	if err := json.Unmarshal(j.Result, &res); err != nil {
		return nil, mealplanagent.Wrap(mealplanagent.KindOrchestration, op, err)
	}
	if s.archive != nil && res.ArchiveKey != "" {
		b, err := s.archive.Get(ctx, res.ArchiveKey)
		if err == nil {
			return b, nil
		}
		slog.Warn("INGRESS: Archived plan unavailable, serving job result", "job_id", j.ID, "key", res.ArchiveKey, "error", err)
	}
	return j.Result, nil
}

func (s *Service) owned(ctx context.Context, userID, jobID string) (*job.AsyncJob, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, mealplanagent.Errorf(mealplanagent.KindAuthorization, "get job", "job %s belongs to another user", jobID)
	}
	return j, nil
}

// Resume validates an invocation posted to the internal route and hands it
// to the worker.
func (s *Service) Resume(ctx context.Context, inv dispatch.Invocation) error {
	const op = "resume job"
	if s.worker == nil {
		return mealplanagent.Errorf(mealplanagent.KindOrchestration, op, "no worker runs jobs in this process")
	}
	if strings.TrimSpace(inv.JobID) == "" {
		return mealplanagent.Errorf(mealplanagent.KindValidation, op, "job_id is required")
	}
	j, err := s.jobs.Get(ctx, inv.JobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return mealplanagent.Errorf(mealplanagent.KindPermanent, op, "job %s is already %s", j.ID, j.Status)
	}
	if inv.Resume && j.Metadata.Checkpoint == nil {
		return mealplanagent.Errorf(mealplanagent.KindValidation, op, "job %s has no checkpoint to resume from", j.ID)
	}
	return s.worker.Dispatch(ctx, inv)
}
