// Package planner drives a meal plan job through draft generation,
// validation, recipe assignment, new-recipe generation and finalization. A
// step-selection policy picks the tools; the agent executes them against the
// real components and owns all persisted state.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mealplanagent"
	"mealplanagent/artifacts"
	"mealplanagent/dispatch"
	"mealplanagent/draft"
	"mealplanagent/generator"
	"mealplanagent/household"
	"mealplanagent/job"
	"mealplanagent/matcher"
	"mealplanagent/tools"
)

// fallbackStepLimit bounds the deterministic pipeline run after the policy stops.
const fallbackStepLimit = 24

// policyFailureKey tracks consecutive policy errors alongside tool failures.
const policyFailureKey = "policy"

// Notifier receives terminal job outcomes.
type Notifier interface {
	PlanCompleted(ctx context.Context, jobID string, res mealplanagent.PlanResult) error
	PlanFailed(ctx context.Context, jobID, reason string) error
}

// Deps are the components the agent drives. Dispatcher, Archive, Notifier and
// Logger are optional. Without a Dispatcher every generation chunk runs in
// the current invocation.
type Deps struct {
	Jobs       *job.Manager
	Drafts     draft.Store
	Households household.Source
	Matcher    *matcher.Matcher
	DraftGen   generator.DraftGenerator
	RecipeGen  generator.RecipeGenerator
	Policy     Policy
	Dispatcher dispatch.Dispatcher
	Archive    artifacts.Archive
	Notifier   Notifier
	Logger     mealplanagent.IterationLogger
}

type Agent struct {
	deps          Deps
	cfg           mealplanagent.AgentConfig
	registry      tools.Registry
	archivePrefix string
	retryInterval time.Duration
	now           func() time.Time
	tracer        trace.Tracer
	metrics       agentMetrics
}

type Option func(*Agent)

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

func WithMeter(m metric.Meter) Option {
	return func(a *Agent) { a.metrics = newAgentMetrics(m) }
}

// WithArchivePrefix sets the key prefix of archived plans.
func WithArchivePrefix(prefix string) Option {
	return func(a *Agent) { a.archivePrefix = prefix }
}

// WithRetryInterval sets the first backoff interval between recipe retries.
func WithRetryInterval(d time.Duration) Option {
	return func(a *Agent) { a.retryInterval = d }
}

func NewAgent(deps Deps, cfg mealplanagent.AgentConfig, opts ...Option) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 16
	}
	if cfg.ToolFailureLimit <= 0 {
		cfg.ToolFailureLimit = 2
	}
	if cfg.RecipeBatchSize <= 0 {
		cfg.RecipeBatchSize = 3
	}
	if cfg.RecipeChunkSize <= 0 {
		cfg.RecipeChunkSize = 6
	}
	if cfg.RecipeRetries < 0 {
		cfg.RecipeRetries = 0
	}
	if cfg.RecipeBudget <= 0 {
		cfg.RecipeBudget = 40 * time.Second
	}
	a := &Agent{
		deps:          deps,
		cfg:           cfg,
		registry:      tools.NewRegistry(),
		archivePrefix: "plans",
		retryInterval: 250 * time.Millisecond,
		now:           time.Now,
		tracer:        otel.Tracer(mealplanagent.TracerNamePlanner),
		metrics:       newAgentMetrics(otel.Meter(mealplanagent.MeterNamePlanner)),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// errSuspended unwinds a run that handed the job to a fresh invocation.
var errSuspended = errors.New("run suspended for continuation")

// run is the working set of one invocation.
type run struct {
	job         *job.AsyncJob
	req         mealplanagent.PlanRequest
	state       *State
	prefs       household.Preferences
	constraints matcher.Constraints
	deadline    time.Time
	failures    map[string]int
	events      []job.Event
	faults      []job.Fault
	progress    int
}

// Run executes one invocation of a job. It returns the job as last written.
// Job-level failures are recorded on the job and are not returned as errors;
// the error is reserved for failures to read or write the job itself.
func (a *Agent) Run(ctx context.Context, inv dispatch.Invocation) (*job.AsyncJob, error) {
	ctx, span := a.tracer.Start(ctx, "Agent.Run", trace.WithAttributes(
		attribute.String("job.id", inv.JobID),
		attribute.Bool("resume", inv.Resume),
	))
	defer span.End()

	started := a.now()
	a.metrics.runs.Add(ctx, 1)
	defer func() {
		a.metrics.runDuration.Record(ctx, a.now().Sub(started).Seconds())
	}()

	j, err := a.deps.Jobs.Get(ctx, inv.JobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load job")
		return nil, err
	}
	if j.Status.Terminal() {
		slog.Info("PLANNER: Job already terminal, nothing to do", "job_id", j.ID, "status", j.Status)
		return j, nil
	}

	r, err := a.load(ctx, j)
	if err != nil {
		return a.fail(ctx, r, fmt.Sprintf("load job state: %v", err))
	}
	span.SetAttributes(attribute.Int("invocation", r.state.Invocation))
	slog.Info("PLANNER: Starting run", "job_id", j.ID, "invocation", r.state.Invocation, "phase", r.state.Phase, "resume", inv.Resume)

	if d, ok := ctx.Deadline(); ok {
		r.deadline = d
	}

	out, err := a.drive(ctx, r)
	switch {
	case errors.Is(err, errSuspended):
		a.metrics.runsSuspended.Add(ctx, 1)
		span.AddEvent("suspended")
		return out, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	if out != nil && out.Status == job.StatusCompleted {
		a.metrics.runsCompleted.Add(ctx, 1)
	} else {
		a.metrics.runsFailed.Add(ctx, 1)
		span.SetStatus(codes.Error, "job failed")
	}
	return out, nil
}

// load restores the planner state from a checkpoint, then from the last good
// state, and otherwise starts fresh.
func (a *Agent) load(ctx context.Context, j *job.AsyncJob) (*run, error) {
	r := &run{job: j, failures: map[string]int{}, progress: j.Progress}
	r.state = NewState(j.ID)

	if err := json.Unmarshal(j.Payload, &r.req); err != nil {
		return r, fmt.Errorf("decode plan request: %w", err)
	}

	switch {
	case j.Metadata.Checkpoint != nil:
		st, err := DecodeState(j.Metadata.Checkpoint.State)
		if err != nil {
			return r, err
		}
		st.Invocation = j.Metadata.Checkpoint.Invocation + 1
		r.state = st
		a.note(r, "resumed", fmt.Sprintf("invocation %d continues %d remaining item(s)", st.Invocation, len(j.Metadata.Checkpoint.RemainingIndexes)))

	case len(j.Metadata.LastState) > 0:
		st, err := DecodeState(j.Metadata.LastState)
		if err != nil {
			return r, err
		}
		st.Invocation++
		r.state = st
		a.note(r, "restarted", fmt.Sprintf("invocation %d restarts from the last saved state", st.Invocation))
	}

	if j.Status == job.StatusPending {
		out, err := a.deps.Jobs.MarkProcessing(ctx, j)
		if err != nil {
			return r, err
		}
		r.job = out
	}
	if j.Metadata.Checkpoint != nil {
		out, err := a.deps.Jobs.AppendMeta(ctx, r.job, job.MetaPatch{ClearCheckpoint: true})
		if err != nil {
			return r, err
		}
		r.job = out
	}

	prefs := household.Preferences{HouseholdID: r.req.HouseholdID}
	if a.deps.Households != nil && r.req.HouseholdID != "" {
		p, err := a.deps.Households.Preferences(ctx, r.req.HouseholdID)
		switch {
		case errors.Is(err, household.ErrNotFound):
			slog.Warn("PLANNER: Household has no preferences, planning without them", "job_id", j.ID, "household_id", r.req.HouseholdID)
		case err != nil:
			return r, fmt.Errorf("load household preferences: %w", err)
		default:
			prefs = p
		}
	}
	prefs.DietaryPatterns = append(append([]string(nil), prefs.DietaryPatterns...), r.req.DietaryStyles...)
	r.prefs = prefs
	r.constraints = matcher.ConstraintsFrom(r.req.UserID, prefs)
	return r, nil
}

// drive runs pending deterministic work, then the policy loop, then the
// fallback when the policy stopped early.
func (a *Agent) drive(ctx context.Context, r *run) (*job.AsyncJob, error) {
	if r.state.GenerationPending() || (r.state.Assignment != nil && r.state.Assignment.HasMore && r.state.PreValidation != nil && r.state.PreValidation.Valid) {
		if out, done, err := a.resumePending(ctx, r); done {
			return out, err
		}
	}

	outcome, out, done, err := a.loop(ctx, r)
	if done {
		return out, err
	}

	if r.state.Finalized() {
		return r.job, nil
	}
	if r.state.CanFallback() {
		slog.Warn("PLANNER: Policy stopped before finalizing, running remaining steps", "job_id", r.job.ID, "phase", r.state.Phase, "policy_status", outcome.Status)
		a.metrics.fallbacks.Add(ctx, 1)
		return a.fallback(ctx, r)
	}

	msg := "planner stopped before the plan was finalized"
	if outcome.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, outcome.Message)
	}
	if next := r.state.NextStep(); next.Blocked {
		msg = next.Hint
	}
	return a.fail(ctx, r, msg)
}

// resumePending continues work a previous invocation handed off, without the
// policy. done is set when the invocation must end here.
func (a *Agent) resumePending(ctx context.Context, r *run) (*job.AsyncJob, bool, error) {
	var action tools.Action
	switch {
	case r.state.GenerationPending():
		action = tools.GenerateMissingRecipes{}
	default:
		next := r.state.Assignment.NextItemIndex
		action = tools.AssignRecipes{StartIndex: &next}
	}
	slog.Info("PLANNER: Resuming pending work", "job_id", r.job.ID, "tool", action.ToolName())

	if _, err := a.execute(ctx, r, action); err != nil {
		if errors.Is(err, errSuspended) {
			return r.job, true, err
		}
		a.recordFault(r, action.ToolName(), err)
		slog.Warn("PLANNER: Resumed step failed", "job_id", r.job.ID, "tool", action.ToolName(), "error", err)
		if perr := a.save(ctx, r); perr != nil {
			return r.job, true, perr
		}
	}
	a.logIteration(r, mealplanagent.IterationLog{Fallback: true, ToolCalls: []mealplanagent.ToolCallLog{{Name: action.ToolName()}}, State: r.state.Encode()})
	return nil, false, nil
}

// loop runs the policy conversation. done is set when the job reached a
// terminal status or was suspended inside the loop.
func (a *Agent) loop(ctx context.Context, r *run) (Outcome, *job.AsyncJob, bool, error) {
	prompt := NewPrompt(a.registry, r.req, r.state)
	var outcome Outcome

	for iter := 1; iter <= a.cfg.MaxIterations; iter++ {
		ictx, span := a.tracer.Start(ctx, fmt.Sprintf("Agent.Iteration.%d", iter))
		a.metrics.iterations.Add(ictx, 1)
		iterLog := mealplanagent.IterationLog{Iteration: iter}

		slog.Info("PLANNER: Invoking policy", "job_id", r.job.ID, "iteration", iter, "messages_count", len(prompt.Messages), "phase", r.state.Phase)
		began := a.now()
		res, err := a.deps.Policy.Invoke(ictx, prompt)
		a.metrics.policyDuration.Record(ictx, a.now().Sub(began).Seconds())
		if err != nil {
			iterLog.Error = err.Error()
			a.logIteration(r, iterLog)
			span.RecordError(err)
			span.End()
			a.recordFault(r, policyFailureKey, err)
			slog.Warn("PLANNER: Policy invocation failed", "job_id", r.job.ID, "iteration", iter, "error", err)
			if r.failures[policyFailureKey] >= a.cfg.ToolFailureLimit {
				if r.state.CanFallback() {
					return Outcome{Status: "unknown", Message: err.Error()}, nil, false, nil
				}
				out, ferr := a.fail(ctx, r, fmt.Sprintf("step-selection policy failed %d times in a row: %v", r.failures[policyFailureKey], err))
				return outcome, out, true, ferr
			}
			continue
		}
		r.failures[policyFailureKey] = 0
		iterLog.PolicyText = res.Content

		if len(res.ToolCalls) == 0 || r.state.Finalized() {
			outcome = ParseOutcome(res.Content)
			slog.Info("PLANNER: Policy returned a terminal summary", "job_id", r.job.ID, "iteration", iter, "status", outcome.Status, "message", outcome.Message)
			a.logIteration(r, iterLog)
			span.End()
			return outcome, nil, false, nil
		}

		assistantMsg := Message{Role: "assistant", Content: MessageParts{}}
		if res.Content != "" {
			assistantMsg.Content = append(assistantMsg.Content, MessagePart{Type: "text", Text: res.Content})
		}
		for _, call := range res.ToolCalls {
			assistantMsg.Content = append(assistantMsg.Content, MessagePart{
				Type:      "tool_use",
				ToolUseID: call.ToolUseID,
				ToolName:  call.Name,
				Data:      call.Input,
			})
		}
		prompt.Messages = append(prompt.Messages, assistantMsg)

		var results []ToolResult
		for _, call := range res.ToolCalls {
			tlog, data, err := a.call(ictx, r, call)
			iterLog.ToolCalls = append(iterLog.ToolCalls, tlog)
			if errors.Is(err, errSuspended) {
				a.logIteration(r, iterLog)
				span.End()
				return outcome, r.job, true, err
			}
			results = append(results, ToolResult{ToolUseID: call.ToolUseID, ToolName: call.Name, Data: data})

			if err != nil && r.failures[call.Name] >= a.cfg.ToolFailureLimit {
				a.logIteration(r, iterLog)
				span.End()
				out, ferr := a.fail(ctx, r, fmt.Sprintf("%s failed %d times in a row: %v", call.Name, r.failures[call.Name], err))
				return outcome, out, true, ferr
			}
		}
		prompt.Messages = append(prompt.Messages, NewToolResultMessage(results))

		iterLog.State = r.state.Encode()
		a.logIteration(r, iterLog)
		span.End()
	}

	slog.Warn("PLANNER: Iteration limit reached", "job_id", r.job.ID, "max_iterations", a.cfg.MaxIterations, "phase", r.state.Phase)
	return Outcome{Status: "unknown", Message: "iteration limit reached"}, nil, false, nil
}

// call parses and executes one tool call and builds the structured result
// sent back to the policy.
func (a *Agent) call(ctx context.Context, r *run, call tools.Call) (mealplanagent.ToolCallLog, map[string]any, error) {
	ctx, span := a.tracer.Start(ctx, "Agent.Tool", trace.WithAttributes(attribute.String("tool", call.Name)))
	defer span.End()

	tlog := mealplanagent.ToolCallLog{Name: call.Name, Input: call.Input}
	a.metrics.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool_name", call.Name)))
	slog.Info("PLANNER: Handling tool call", "job_id", r.job.ID, "tool", call.Name)

	began := a.now()
	var result map[string]any
	action, err := a.registry.Parse(call)
	if err != nil {
		err = mealplanagent.Wrap(mealplanagent.KindValidation, "parse tool call", err)
	} else {
		result, err = a.execute(ctx, r, action)
	}
	elapsed := a.now().Sub(began)
	tlog.DurationMS = elapsed.Milliseconds()
	a.metrics.toolDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("tool_name", call.Name)))

	if errors.Is(err, errSuspended) {
		tlog.Output = result
		return tlog, nil, err
	}

	next := r.state.NextStep()
	data := map[string]any{
		"tool":        call.Name,
		"ok":          err == nil,
		"state":       r.state.Summary(),
		"next_action": map[string]any{"tool": next.Tool, "input": next.Input},
		"next_step":   next.Hint,
	}
	if err != nil {
		a.metrics.toolFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("tool_name", call.Name)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.recordFault(r, call.Name, err)
		slog.Warn("PLANNER: Tool call failed", "job_id", r.job.ID, "tool", call.Name, "consecutive_failures", r.failures[call.Name], "error", err)
		tlog.Error = err.Error()
		data["error"] = err.Error()
		data["error_kind"] = mealplanagent.KindOf(err).String()
		if perr := a.save(ctx, r); perr != nil {
			slog.Error("PLANNER: Failed to persist fault", "job_id", r.job.ID, "error", perr)
		}
		return tlog, data, err
	}

	r.failures[call.Name] = 0
	data["result"] = result
	tlog.Output = result
	return tlog, data, nil
}

// execute runs a typed action against the components.
func (a *Agent) execute(ctx context.Context, r *run, action tools.Action) (map[string]any, error) {
	switch act := action.(type) {
	case tools.GenerateDraft:
		return a.generateDraft(ctx, r, act)
	case tools.ValidateDraft:
		return a.validate(ctx, r, act)
	case tools.AssignRecipes:
		return a.assign(ctx, r, act)
	case tools.GenerateMissingRecipes:
		return a.generateMissing(ctx, r, act)
	case tools.FinalizePlan:
		return a.finalize(ctx, r, act)
	default:
		return nil, mealplanagent.Errorf(mealplanagent.KindValidation, "execute", "unsupported action %T", action)
	}
}

// fallback walks NextStep deterministically until the plan is finalized or
// no step can make progress.
func (a *Agent) fallback(ctx context.Context, r *run) (*job.AsyncJob, error) {
	a.note(r, "fallback", fmt.Sprintf("policy stopped in phase %s", r.state.Phase))

	for i := 0; i < fallbackStepLimit && !r.state.Finalized(); i++ {
		next := r.state.NextStep()
		if next.Blocked || next.Tool == "" {
			return a.fail(ctx, r, next.Hint)
		}
		call := tools.Call{Name: next.Tool, Input: next.Input}
		tlog, _, err := a.call(ctx, r, call)
		a.logIteration(r, mealplanagent.IterationLog{Iteration: i + 1, Fallback: true, ToolCalls: []mealplanagent.ToolCallLog{tlog}, State: r.state.Encode()})
		if errors.Is(err, errSuspended) {
			return r.job, err
		}
		if err != nil && r.failures[call.Name] >= a.cfg.ToolFailureLimit {
			return a.fail(ctx, r, fmt.Sprintf("%s failed %d times in a row: %v", call.Name, r.failures[call.Name], err))
		}
	}
	if !r.state.Finalized() {
		return a.fail(ctx, r, "fallback could not finalize the plan")
	}
	return r.job, nil
}

func (a *Agent) recordFault(r *run, step string, err error) {
	r.failures[step]++
	f := job.Fault{At: a.now().UTC(), Step: step, Kind: mealplanagent.KindOf(err).String(), Message: err.Error()}
	r.state.fault(f, a.cfg.FaultHistory)
	r.faults = append(r.faults, f)
}

func (a *Agent) note(r *run, kind, msg string) {
	e := r.state.event(a.now().UTC(), kind, msg, a.cfg.EventHistory)
	r.events = append(r.events, e)
}

// save writes progress, new events and faults, and the current state as the
// last good snapshot.
func (a *Agent) save(ctx context.Context, r *run) error {
	patch := &job.MetaPatch{Events: r.events, Faults: r.faults, LastState: r.state.Encode()}
	out, err := a.deps.Jobs.UpdateProgress(ctx, r.job, r.progress, patch)
	if err != nil {
		return err
	}
	r.job = out
	r.events, r.faults = nil, nil
	return nil
}

// setProgress raises the in-memory progress; save persists it.
func (r *run) setProgress(v int) {
	if v > r.progress {
		r.progress = v
	}
}

// suspend checkpoints the state and hands the job to a fresh invocation.
func (a *Agent) suspend(ctx context.Context, r *run, remaining []int) error {
	a.note(r, "suspended", fmt.Sprintf("handing off with %d remaining item(s)", len(remaining)))
	cp := &job.Checkpoint{
		Version:          StateVersion,
		State:            r.state.Encode(),
		RemainingIndexes: remaining,
		Invocation:       r.state.Invocation,
		SavedAt:          a.now().UTC(),
	}
	patch := &job.MetaPatch{Events: r.events, Faults: r.faults, LastState: r.state.Encode(), Checkpoint: cp}
	out, err := a.deps.Jobs.UpdateProgress(ctx, r.job, r.progress, patch)
	if err != nil {
		return err
	}
	r.job = out
	r.events, r.faults = nil, nil

	if err := a.deps.Dispatcher.Dispatch(ctx, dispatch.Invocation{JobID: r.job.ID, Resume: true}); err != nil {
		if _, ferr := a.fail(ctx, r, fmt.Sprintf("dispatch continuation: %v", err)); ferr != nil {
			return ferr
		}
		return errSuspended
	}
	slog.Info("PLANNER: Handed off to a fresh invocation", "job_id", r.job.ID, "invocation", r.state.Invocation, "remaining", len(remaining))
	return errSuspended
}

// nearDeadline reports whether the invocation should hand off instead of
// starting more work.
func (a *Agent) nearDeadline(r *run) bool {
	return !r.deadline.IsZero() && r.deadline.Sub(a.now()) <= a.cfg.ResumeMargin
}

// fail ends the job as failed with the last state and faults attached.
func (a *Agent) fail(ctx context.Context, r *run, message string) (*job.AsyncJob, error) {
	r.state.Phase = PhaseFailed
	r.state.event(a.now().UTC(), "failed", message, a.cfg.EventHistory)
	patch := &job.MetaPatch{Events: r.events, Faults: r.faults, LastState: r.state.Encode(), ClearCheckpoint: true}
	out, err := a.deps.Jobs.MarkFailed(ctx, r.job, message, patch)
	if err != nil {
		return r.job, err
	}
	r.job = out
	r.events, r.faults = nil, nil
	slog.Error("PLANNER: Job failed", "job_id", r.job.ID, "invocation", r.state.Invocation, "error", message)

	if a.deps.Notifier != nil {
		if err := a.deps.Notifier.PlanFailed(ctx, r.job.ID, message); err != nil {
			slog.Warn("PLANNER: Failed to send failure notification", "job_id", r.job.ID, "error", err)
		}
	}
	return out, nil
}

func (a *Agent) logIteration(r *run, it mealplanagent.IterationLog) {
	if a.deps.Logger == nil {
		return
	}
	it.JobID = r.job.ID
	it.Invocation = r.state.Invocation
	it.Phase = string(r.state.Phase)
	if it.Timestamp.IsZero() {
		it.Timestamp = a.now()
	}
	if err := a.deps.Logger.LogIteration(it); err != nil {
		slog.Error("PLANNER: Failed to log iteration", "error", err, "iteration", it.Iteration)
	}
}
