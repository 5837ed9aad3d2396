package planner

import (
	"encoding/json"
	"fmt"
	"time"

	"mealplanagent/draft"
	"mealplanagent/job"
	"mealplanagent/matcher"
	"mealplanagent/tools"
	"mealplanagent/validation"
)

// StateVersion is bumped when State changes shape incompatibly.
const StateVersion = 1

type Phase string

const (
	PhaseNoDraft           Phase = "no_draft"
	PhaseDrafting          Phase = "drafting"
	PhaseDraftReady        Phase = "draft_ready"
	PhasePreValidated      Phase = "pre_validated"
	PhaseAssigning         Phase = "assigning"
	PhaseGeneratingMissing Phase = "generating_missing"
	PhasePostValidated     Phase = "post_validated"
	PhaseFinalized         Phase = "finalized"
	PhaseFailed            Phase = "failed"
)

const (
	// maxDraftAttempts bounds forced regeneration after failed pre-validation.
	maxDraftAttempts = 3
	// maxGenerationRounds bounds full passes over the unmatched set.
	maxGenerationRounds = 2
)

type DraftSnapshot struct {
	ID        string       `json:"id"`
	Status    draft.Status `json:"status"`
	ItemCount int          `json:"item_count"`
	Assigned  int          `json:"assigned"`
	Attempts  int          `json:"attempts"`
}

type AssignmentSnapshot struct {
	Runs             int           `json:"runs"`
	Matched          int           `json:"matched"`
	UnmatchedIndexes []int         `json:"unmatched_indexes"`
	HasMore          bool          `json:"has_more"`
	NextItemIndex    int           `json:"next_item_index"`
	LastStats        matcher.Stats `json:"last_stats"`
}

type RecipeGenerationSnapshot struct {
	Total          int         `json:"total"`
	Generated      int         `json:"generated"`
	PendingIndexes []int       `json:"pending_indexes,omitempty"`
	FailedIndexes  []int       `json:"failed_indexes,omitempty"`
	Faults         []job.Fault `json:"faults,omitempty"`
	Chunks         int         `json:"chunks"`
	Rounds         int         `json:"rounds"`
}

type FinalizationSnapshot struct {
	Finalized  bool       `json:"finalized"`
	DryRun     bool       `json:"dry_run,omitempty"`
	ArchiveKey string     `json:"archive_key,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	At         *time.Time `json:"at,omitempty"`
}

// State is the planner's working memory. It is persisted with every step so a
// fresh invocation can continue without the policy's conversation.
type State struct {
	Version        int                       `json:"version"`
	JobID          string                    `json:"job_id"`
	Phase          Phase                     `json:"phase"`
	Invocation     int                       `json:"invocation"`
	Draft          *DraftSnapshot            `json:"draft,omitempty"`
	PreValidation  *validation.Snapshot      `json:"pre_validation,omitempty"`
	PostValidation *validation.Snapshot      `json:"post_validation,omitempty"`
	Assignment     *AssignmentSnapshot       `json:"assignment,omitempty"`
	Generation     *RecipeGenerationSnapshot `json:"generation,omitempty"`
	Finalization   *FinalizationSnapshot     `json:"finalization,omitempty"`
	Events         []job.Event               `json:"events,omitempty"`
	Faults         []job.Fault               `json:"faults,omitempty"`
}

func NewState(jobID string) *State {
	return &State{Version: StateVersion, JobID: jobID, Phase: PhaseNoDraft, Invocation: 1}
}

// DecodeState restores a persisted state snapshot.
func DecodeState(raw json.RawMessage) (*State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode planner state: %w", err)
	}
	if s.Version != StateVersion {
		return nil, fmt.Errorf("planner state version %d is not supported", s.Version)
	}
	return &s, nil
}

func (s *State) Encode() json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (s *State) Clone() *State {
	c, err := DecodeState(s.Encode())
	if err != nil {
		return nil
	}
	return c
}

// DraftReady reports whether a usable draft exists.
func (s *State) DraftReady() bool {
	return s.Draft != nil && s.Draft.Status.Ready() && s.Draft.ItemCount > 0
}

// Unmatched is the set of items still needing a recipe.
func (s *State) Unmatched() []int {
	if s.Assignment == nil {
		return nil
	}
	return s.Assignment.UnmatchedIndexes
}

// GenerationPending reports whether a chunked generation is mid-way.
func (s *State) GenerationPending() bool {
	return s.Generation != nil && len(s.Generation.PendingIndexes) > 0
}

// Finalized reports whether the plan has been finalized for real.
func (s *State) Finalized() bool {
	return s.Finalization != nil && s.Finalization.Finalized
}

// CanFallback reports whether the planner may finish the pipeline on its own
// after the policy stopped early.
func (s *State) CanFallback() bool {
	if !s.DraftReady() || s.Finalized() {
		return false
	}
	assignedAll := s.Assignment != nil && !s.Assignment.HasMore && len(s.Assignment.UnmatchedIndexes) == 0
	preValid := s.PreValidation != nil && s.PreValidation.Valid
	return assignedAll || preValid
}

func (s *State) event(at time.Time, kind, msg string, limit int) job.Event {
	e := job.Event{At: at, Kind: kind, Message: msg}
	s.Events = job.AppendBounded(s.Events, limit, e)
	return e
}

func (s *State) fault(f job.Fault, limit int) {
	s.Faults = job.AppendBounded(s.Faults, limit, f)
}

// Step is the next action the state calls for.
type Step struct {
	Tool  string         `json:"tool,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	Hint  string         `json:"hint"`
	// Blocked is set when no tool can make further progress.
	Blocked bool `json:"blocked,omitempty"`
}

// NextStep derives the next pipeline step from the state alone.
func (s *State) NextStep() Step {
	switch {
	case s.Finalized():
		return Step{Hint: "the plan is finalized; reply with a short JSON completion summary"}

	case s.Draft == nil:
		return Step{Tool: tools.NameGenerateDraft, Input: map[string]any{}, Hint: "no draft exists yet; call generate_draft"}

	case !s.DraftReady():
		if s.Draft.Attempts >= maxDraftAttempts {
			return Step{Blocked: true, Hint: fmt.Sprintf("draft is %s after %d attempts; the plan cannot be produced", s.Draft.Status, s.Draft.Attempts)}
		}
		return Step{Tool: tools.NameGenerateDraft, Input: map[string]any{"force": true}, Hint: fmt.Sprintf("the draft is %s and unusable; call generate_draft with force=true", s.Draft.Status)}

	case s.PreValidation == nil:
		return Step{Tool: tools.NameValidateDraft, Input: map[string]any{"stage": string(validation.StagePreAssignment)}, Hint: "a draft is ready; call validate_draft with stage=pre_assignment"}

	case !s.PreValidation.Valid:
		if s.Draft.Attempts >= maxDraftAttempts {
			return Step{Blocked: true, Hint: fmt.Sprintf("pre-assignment validation still fails after %d drafts", s.Draft.Attempts)}
		}
		return Step{Tool: tools.NameGenerateDraft, Input: map[string]any{"force": true}, Hint: fmt.Sprintf("pre-assignment validation failed with %d error(s); regenerate the draft with force=true", s.PreValidation.ErrorCount)}

	case s.GenerationPending():
		return Step{Tool: tools.NameGenerateMissingRecipes, Input: map[string]any{}, Hint: fmt.Sprintf("%d item(s) are still waiting for new recipes; call generate_missing_recipes", len(s.Generation.PendingIndexes))}

	case s.Assignment == nil:
		return Step{Tool: tools.NameAssignRecipes, Input: map[string]any{}, Hint: "pre-assignment validation passed; call assign_recipes"}

	case s.Assignment.HasMore:
		return Step{Tool: tools.NameAssignRecipes, Input: map[string]any{"start_index": s.Assignment.NextItemIndex}, Hint: fmt.Sprintf("assignment stopped early; call assign_recipes with start_index=%d", s.Assignment.NextItemIndex)}

	case len(s.Assignment.UnmatchedIndexes) > 0:
		if s.Generation != nil && s.Generation.Rounds >= maxGenerationRounds {
			return Step{Blocked: true, Hint: fmt.Sprintf("%d item(s) have no recipe after %d generation rounds", len(s.Assignment.UnmatchedIndexes), s.Generation.Rounds)}
		}
		return Step{Tool: tools.NameGenerateMissingRecipes, Input: map[string]any{}, Hint: fmt.Sprintf("%d item(s) have no catalog match; call generate_missing_recipes", len(s.Assignment.UnmatchedIndexes))}

	case s.PostValidation == nil:
		return Step{Tool: tools.NameValidateDraft, Input: map[string]any{"stage": string(validation.StagePostAssignment)}, Hint: "every item has a recipe; call validate_draft with stage=post_assignment"}

	case !s.PostValidation.Valid:
		return Step{Blocked: true, Hint: fmt.Sprintf("post-assignment validation failed with %d error(s)", s.PostValidation.ErrorCount)}

	default:
		return Step{Tool: tools.NameFinalizePlan, Input: map[string]any{}, Hint: "post-assignment validation passed and no unmatched items remain; you must finalize now"}
	}
}

// Summary is the compact state view sent to the policy with every tool result.
func (s *State) Summary() map[string]any {
	out := map[string]any{
		"phase":      s.Phase,
		"invocation": s.Invocation,
	}
	if s.Draft != nil {
		out["draft"] = map[string]any{"status": s.Draft.Status, "items": s.Draft.ItemCount, "assigned": s.Draft.Assigned}
	}
	if s.PreValidation != nil {
		out["pre_validation"] = map[string]any{"valid": s.PreValidation.Valid, "errors": s.PreValidation.ErrorCount, "warnings": s.PreValidation.WarningCount}
	}
	if s.Assignment != nil {
		out["assignment"] = map[string]any{
			"matched":         s.Assignment.Matched,
			"unmatched":       len(s.Assignment.UnmatchedIndexes),
			"has_more":        s.Assignment.HasMore,
			"next_item_index": s.Assignment.NextItemIndex,
		}
	}
	if s.Generation != nil {
		out["generation"] = map[string]any{
			"generated": s.Generation.Generated,
			"pending":   len(s.Generation.PendingIndexes),
			"failed":    len(s.Generation.FailedIndexes),
		}
	}
	if s.PostValidation != nil {
		out["post_validation"] = map[string]any{"valid": s.PostValidation.Valid, "errors": s.PostValidation.ErrorCount}
	}
	if s.Finalized() {
		out["finalized"] = true
	}
	return out
}
