package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"mealplanagent"
	"mealplanagent/artifacts"
	"mealplanagent/draft"
	"mealplanagent/generator"
	"mealplanagent/job"
	"mealplanagent/matcher"
	"mealplanagent/tools"
	"mealplanagent/validation"
)

const (
	progressDraftStart     = 10
	progressDraftReady     = 25
	progressPreValidated   = 30
	progressAssignStart    = 35
	progressAssignEnd      = 60
	progressGenerateEnd    = 85
	progressPostValidated  = 90
	progressFinalizedValue = 100
)

func (a *Agent) loadDraft(ctx context.Context, r *run) (*draft.Draft, error) {
	if r.state.Draft == nil {
		return nil, mealplanagent.Errorf(mealplanagent.KindValidation, "load draft", "no draft has been generated yet")
	}
	d, err := a.deps.Drafts.Get(ctx, r.state.Draft.ID)
	if err != nil {
		return nil, mealplanagent.Wrap(mealplanagent.KindTransient, "load draft", err)
	}
	return d, nil
}

func (a *Agent) snapshotDraft(r *run, d *draft.Draft) {
	attempts := 0
	if r.state.Draft != nil {
		attempts = r.state.Draft.Attempts
	}
	r.state.Draft = &DraftSnapshot{
		ID:        d.ID,
		Status:    d.Status,
		ItemCount: len(d.Items),
		Assigned:  d.AssignedCount(),
		Attempts:  attempts,
	}
}

func (a *Agent) generateDraft(ctx context.Context, r *run, act tools.GenerateDraft) (map[string]any, error) {
	if r.state.Draft != nil && !act.Force {
		d, err := a.loadDraft(ctx, r)
		if err != nil {
			return nil, err
		}
		a.snapshotDraft(r, d)
		if d.Status.Ready() && r.state.Phase == PhaseDrafting {
			r.state.Phase = PhaseDraftReady
		}
		return map[string]any{"draft_id": d.ID, "status": d.Status, "items": len(d.Items), "reused": true}, nil
	}

	attempts := 1
	if r.state.Draft != nil {
		attempts = r.state.Draft.Attempts + 1
	}
	r.state.Phase = PhaseDrafting
	r.setProgress(progressDraftStart)

	ref, err := a.deps.DraftGen.Generate(ctx, generator.DraftRequest{
		JobID:         r.job.ID,
		UserID:        r.req.UserID,
		HouseholdID:   r.req.HouseholdID,
		StartDate:     r.req.StartDate,
		EndDate:       r.req.EndDate,
		MealsPerDay:   r.req.MealsPerDay,
		Servings:      r.req.Servings,
		DietaryStyles: r.req.DietaryStyles,
		Preferences:   r.req.Preferences,
	})
	if err != nil {
		if r.state.Draft != nil {
			r.state.Draft.Attempts = attempts
		}
		return nil, err
	}

	d, err := a.deps.Drafts.Get(ctx, ref.DraftID)
	if err != nil {
		return nil, mealplanagent.Wrap(mealplanagent.KindTransient, "load generated draft", err)
	}
	a.snapshotDraft(r, d)
	r.state.Draft.Attempts = attempts
	r.state.PreValidation = nil
	r.state.PostValidation = nil
	r.state.Assignment = nil
	r.state.Generation = nil
	r.state.Finalization = nil

	if d.Status.Ready() {
		r.state.Phase = PhaseDraftReady
		r.setProgress(progressDraftReady)
	}
	a.note(r, "draft_generated", fmt.Sprintf("draft %s is %s with %d item(s)", d.ID, d.Status, len(d.Items)))
	slog.Info("PLANNER: Draft generated", "job_id", r.job.ID, "draft_id", d.ID, "status", d.Status, "items", len(d.Items), "attempt", attempts)

	if err := a.save(ctx, r); err != nil {
		return nil, err
	}
	return map[string]any{"draft_id": d.ID, "status": d.Status, "items": len(d.Items), "attempt": attempts}, nil
}

func (a *Agent) validate(ctx context.Context, r *run, act tools.ValidateDraft) (map[string]any, error) {
	stage := validation.Stage(act.Stage)
	if !stage.Valid() {
		return nil, mealplanagent.Errorf(mealplanagent.KindValidation, "validate draft", "unknown stage %q", act.Stage)
	}
	d, err := a.loadDraft(ctx, r)
	if err != nil {
		return nil, err
	}
	if !d.Status.Ready() {
		return nil, mealplanagent.Errorf(mealplanagent.KindValidation, "validate draft", "draft %s is %s", d.ID, d.Status)
	}
	a.snapshotDraft(r, d)

	snap := validation.Validate(*d, r.req, stage)
	switch stage {
	case validation.StagePreAssignment:
		r.state.PreValidation = &snap
		if snap.Valid {
			r.state.Phase = PhasePreValidated
			r.setProgress(progressPreValidated)
		}
	case validation.StagePostAssignment:
		r.state.PostValidation = &snap
		if snap.Valid {
			r.state.Phase = PhasePostValidated
			r.setProgress(progressPostValidated)
		}
	}
	a.note(r, "validated", fmt.Sprintf("%s valid=%t errors=%d warnings=%d", stage, snap.Valid, snap.ErrorCount, snap.WarningCount))
	slog.Info("PLANNER: Draft validated", "job_id", r.job.ID, "stage", stage, "valid", snap.Valid, "errors", snap.ErrorCount, "warnings", snap.WarningCount)

	if err := a.save(ctx, r); err != nil {
		return nil, err
	}
	return map[string]any{
		"stage":          stage,
		"valid":          snap.Valid,
		"error_count":    snap.ErrorCount,
		"warning_count":  snap.WarningCount,
		"item_count":     snap.ItemCount,
		"expected_count": snap.ExpectedCount,
		"issues":         snap.Issues,
	}, nil
}

func (a *Agent) assign(ctx context.Context, r *run, act tools.AssignRecipes) (map[string]any, error) {
	const op = "assign recipes"
	if r.state.PreValidation == nil || !r.state.PreValidation.Valid {
		return nil, mealplanagent.Errorf(mealplanagent.KindValidation, op, "pre-assignment validation has not passed")
	}
	d, err := a.loadDraft(ctx, r)
	if err != nil {
		return nil, err
	}

	opts := matcher.Options{}
	switch {
	case act.StartIndex != nil:
		opts.StartIndex = *act.StartIndex
	case r.state.Assignment != nil && r.state.Assignment.HasMore:
		opts.StartIndex = r.state.Assignment.NextItemIndex
	}
	if opts.StartIndex > len(d.Items) {
		return nil, mealplanagent.Errorf(mealplanagent.KindValidation, op, "start_index %d is beyond the %d draft items", opts.StartIndex, len(d.Items))
	}
	if act.MaxItems != nil {
		opts.MaxItems = *act.MaxItems
	}
	if !r.deadline.IsZero() {
		budget := r.deadline.Sub(a.now()) - a.cfg.ResumeMargin
		if cfgBudget := a.deps.Matcher.Config().TimeBudget; cfgBudget > 0 && cfgBudget < budget {
			budget = cfgBudget
		}
		if budget <= 0 {
			budget = 1
		}
		opts.TimeBudget = budget
	}

	r.state.Phase = PhaseAssigning
	r.setProgress(progressAssignStart)

	res, err := a.deps.Matcher.Assign(ctx, d, r.constraints, opts)
	if err != nil {
		return nil, mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}

	prev := r.state.Assignment
	snap := &AssignmentSnapshot{HasMore: res.HasMore, NextItemIndex: res.NextItemIndex, LastStats: res.Stats}
	if prev != nil {
		snap.Runs = prev.Runs
		snap.Matched = prev.Matched
	}
	snap.Runs++
	snap.Matched += res.Stats.Matched
	snap.UnmatchedIndexes = stillUnmatched(d, prev, res.UnmatchedIndexes)
	r.state.Assignment = snap
	r.state.PostValidation = nil
	a.snapshotDraft(r, d)

	if n := len(d.Items); n > 0 {
		done := res.NextItemIndex
		if !res.HasMore {
			done = n
		}
		r.setProgress(progressAssignStart + (progressAssignEnd-progressAssignStart)*done/n)
	}
	a.note(r, "assigned", fmt.Sprintf("matched %d, unmatched %d, has_more=%t", res.Stats.Matched, len(snap.UnmatchedIndexes), res.HasMore))
	slog.Info("PLANNER: Recipes assigned", "job_id", r.job.ID, "matched", res.Stats.Matched, "unmatched", len(snap.UnmatchedIndexes), "has_more", res.HasMore, "next_item_index", res.NextItemIndex)

	if res.HasMore && a.deps.Dispatcher != nil && a.nearDeadline(r) {
		return nil, a.suspend(ctx, r, nil)
	}
	if err := a.save(ctx, r); err != nil {
		return nil, err
	}
	return map[string]any{
		"matched":           res.Stats.Matched,
		"unmatched_indexes": snap.UnmatchedIndexes,
		"has_more":          res.HasMore,
		"next_item_index":   res.NextItemIndex,
		"stats":             res.Stats,
	}, nil
}

// stillUnmatched unions earlier unmatched items that are still without a
// recipe with the items this run could not match.
func stillUnmatched(d *draft.Draft, prev *AssignmentSnapshot, current []int) []int {
	seen := map[int]bool{}
	var out []int
	add := func(i int) {
		if seen[i] || i < 0 || i >= len(d.Items) || d.Items[i].Assigned() {
			return
		}
		seen[i] = true
		out = append(out, i)
	}
	if prev != nil {
		for _, i := range prev.UnmatchedIndexes {
			add(i)
		}
	}
	for _, i := range current {
		add(i)
	}
	sort.Ints(out)
	return out
}

func (a *Agent) finalize(ctx context.Context, r *run, act tools.FinalizePlan) (map[string]any, error) {
	const op = "finalize plan"
	if r.state.Finalized() {
		return map[string]any{"finalized": true, "archive_key": r.state.Finalization.ArchiveKey}, nil
	}
	d, err := a.loadDraft(ctx, r)
	if err != nil {
		return nil, err
	}
	snap := validation.Validate(*d, r.req, validation.StagePostAssignment)
	r.state.PostValidation = &snap
	if !snap.Valid {
		return nil, mealplanagent.Errorf(mealplanagent.KindPermanent, op, "post-assignment validation failed with %d error(s)", snap.ErrorCount)
	}

	result := buildResult(d, r.req)
	if act.DryRun {
		r.state.Finalization = &FinalizationSnapshot{DryRun: true, Summary: result.Summary}
		return map[string]any{"dry_run": true, "summary": result.Summary, "items": len(result.Items), "stats": result.Stats}, nil
	}

	if a.deps.Archive != nil {
		key := artifacts.PlanKey(a.archivePrefix, r.job.ID)
		body, _ := json.Marshal(result)
		if err := a.deps.Archive.Put(ctx, key, body); err != nil {
			slog.Warn("PLANNER: Failed to archive plan", "job_id", r.job.ID, "key", key, "error", err)
			a.note(r, "archive_failed", err.Error())
		} else {
			result.ArchiveKey = key
		}
	}

	d.Status = draft.StatusConverted
	d.UpdatedAt = a.now().UTC()
	if err := a.deps.Drafts.Save(ctx, d); err != nil {
		return nil, mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}
	a.snapshotDraft(r, d)

	at := a.now().UTC()
	prevPhase := r.state.Phase
	r.state.Finalization = &FinalizationSnapshot{Finalized: true, ArchiveKey: result.ArchiveKey, Summary: result.Summary, At: &at}
	r.state.Phase = PhaseFinalized
	r.setProgress(progressFinalizedValue)
	a.note(r, "finalized", result.Summary)

	// The plan is only finalized once the job is marked completed.
	out, err := a.deps.Jobs.MarkCompleted(ctx, r.job, result)
	if err != nil {
		r.state.Finalization = nil
		r.state.Phase = prevPhase
		return nil, err
	}
	r.job = out
	out, err = a.deps.Jobs.AppendMeta(ctx, r.job, job.MetaPatch{Events: r.events, Faults: r.faults, LastState: r.state.Encode()})
	if err != nil {
		slog.Warn("PLANNER: Failed to record final state", "job_id", r.job.ID, "error", err)
	} else {
		r.job = out
		r.events, r.faults = nil, nil
	}
	slog.Info("PLANNER: Plan finalized", "job_id", r.job.ID, "draft_id", d.ID, "items", len(result.Items))

	if a.deps.Notifier != nil {
		if err := a.deps.Notifier.PlanCompleted(ctx, r.job.ID, result); err != nil {
			slog.Warn("PLANNER: Failed to send completion notification", "job_id", r.job.ID, "error", err)
		}
	}
	return map[string]any{"finalized": true, "summary": result.Summary, "archive_key": result.ArchiveKey, "stats": result.Stats}, nil
}

// buildResult orders items by date, then by slot vocabulary order.
func buildResult(d *draft.Draft, req mealplanagent.PlanRequest) mealplanagent.PlanResult {
	slotRank := map[string]int{}
	for i, s := range mealplanagent.SlotVocabulary {
		slotRank[s] = i
	}

	items := make([]mealplanagent.PlannedMeal, 0, len(d.Items))
	stats := map[string]int{"items": len(d.Items), "existing_match": 0, "newly_generated": 0}
	days := map[string]bool{}
	for _, it := range d.Items {
		servings := it.Servings
		if servings <= 0 {
			servings = req.Servings
		}
		items = append(items, mealplanagent.PlannedMeal{
			Date:     it.Date,
			MealType: it.MealType,
			Title:    it.Title,
			RecipeID: it.RecipeID,
			Servings: servings,
		})
		days[it.Date] = true
		if it.Generation != nil && it.Generation.Source == draft.SourceNewlyGenerated {
			stats["newly_generated"]++
		} else {
			stats["existing_match"]++
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date < items[j].Date
		}
		return slotRank[items[i].MealType] < slotRank[items[j].MealType]
	})

	return mealplanagent.PlanResult{
		DraftID:     d.ID,
		Summary:     fmt.Sprintf("%d meal(s) across %d day(s), %d newly generated recipe(s)", len(items), len(days), stats["newly_generated"]),
		DaysPlanned: len(days),
		Items:       items,
		Stats:       stats,
	}
}
