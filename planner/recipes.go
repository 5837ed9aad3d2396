package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"mealplanagent"
	"mealplanagent/draft"
	"mealplanagent/generator"
	"mealplanagent/job"
	"mealplanagent/tools"
)

// generateMissing creates recipes for items the catalog could not match. It
// works through the target list one chunk at a time; with a dispatcher it
// stops after one chunk and hands the rest to a fresh invocation.
func (a *Agent) generateMissing(ctx context.Context, r *run, act tools.GenerateMissingRecipes) (map[string]any, error) {
	const op = "generate missing recipes"
	d, err := a.loadDraft(ctx, r)
	if err != nil {
		return nil, err
	}
	if !d.Status.Ready() {
		return nil, mealplanagent.Errorf(mealplanagent.KindValidation, op, "draft %s is %s", d.ID, d.Status)
	}

	if len(act.Indexes) > 0 || !r.state.GenerationPending() {
		targets, err := generationTargets(d, r.state, act.Indexes)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			return map[string]any{"generated": 0, "pending": 0, "message": "no unmatched items need a recipe"}, nil
		}
		rounds := 0
		if r.state.Generation != nil {
			rounds = r.state.Generation.Rounds
		}
		r.state.Generation = &RecipeGenerationSnapshot{Total: len(targets), PendingIndexes: targets, Rounds: rounds + 1}
		slog.Info("PLANNER: Starting recipe generation round", "job_id", r.job.ID, "round", rounds+1, "items", len(targets))
	}
	r.state.Phase = PhaseGeneratingMissing
	gen := r.state.Generation

	for len(gen.PendingIndexes) > 0 {
		n := min(a.cfg.RecipeChunkSize, len(gen.PendingIndexes))
		chunk := append([]int(nil), gen.PendingIndexes[:n]...)

		if err := a.runChunk(ctx, r, d, chunk); err != nil {
			return nil, err
		}
		gen.PendingIndexes = gen.PendingIndexes[n:]
		gen.Chunks++
		if gen.Total > 0 {
			done := gen.Total - len(gen.PendingIndexes)
			r.setProgress(progressAssignEnd + (progressGenerateEnd-progressAssignEnd)*done/gen.Total)
		}
		a.reconcileUnmatched(r, d)

		if len(gen.PendingIndexes) > 0 {
			if a.deps.Dispatcher != nil {
				return nil, a.suspend(ctx, r, append([]int(nil), gen.PendingIndexes...))
			}
			if err := a.save(ctx, r); err != nil {
				return nil, err
			}
		}
	}
	gen.PendingIndexes = nil
	r.state.PostValidation = nil
	a.note(r, "recipes_generated", fmt.Sprintf("round %d: generated %d of %d, failed %d", gen.Rounds, gen.Generated, gen.Total, len(gen.FailedIndexes)))

	if err := a.save(ctx, r); err != nil {
		return nil, err
	}
	return map[string]any{
		"generated":      gen.Generated,
		"total":          gen.Total,
		"failed_indexes": gen.FailedIndexes,
		"chunks":         gen.Chunks,
		"round":          gen.Rounds,
		"unmatched":      len(r.state.Unmatched()),
	}, nil
}

// generationTargets resolves the items a new round works on: the explicit
// list when given, otherwise the current unmatched set.
func generationTargets(d *draft.Draft, st *State, explicit []int) ([]int, error) {
	src := explicit
	if len(src) == 0 {
		src = st.Unmatched()
	}
	var out []int
	for _, i := range src {
		if i < 0 || i >= len(d.Items) {
			return nil, mealplanagent.Errorf(mealplanagent.KindValidation, "generate missing recipes", "index %d is outside the %d draft items", i, len(d.Items))
		}
		if d.Items[i].Assigned() {
			continue
		}
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

type itemOutcome struct {
	recipe generator.Recipe
	err    error
}

// runChunk marks the chunk's items pending, generates their recipes in
// parallel batches, and writes the outcomes back onto the draft.
func (a *Agent) runChunk(ctx context.Context, r *run, d *draft.Draft, chunk []int) error {
	const op = "generate missing recipes"
	started := a.now().UTC()

	var work []int
	for _, i := range chunk {
		it := &d.Items[i]
		if it.Assigned() {
			continue
		}
		it.Generation = &draft.GenerationStatus{State: draft.GenerationPending, StartedAt: started}
		work = append(work, i)
	}
	if len(work) == 0 {
		return nil
	}
	d.UpdatedAt = started
	if err := a.deps.Drafts.Save(ctx, d); err != nil {
		return mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}

	bctx, cancel := context.WithTimeout(ctx, a.cfg.RecipeBudget)
	defer cancel()

	outcomes := make([]itemOutcome, len(work))
	for start := 0; start < len(work); start += a.cfg.RecipeBatchSize {
		end := min(start+a.cfg.RecipeBatchSize, len(work))

		// Each goroutine owns one slot of outcomes; item failures never cancel siblings.
		var g errgroup.Group
		for k := start; k < end; k++ {
			idx := work[k]
			req := a.recipeRequest(r, d, idx)
			g.Go(func() error {
				rec, err := a.generateRecipe(bctx, req)
				outcomes[k] = itemOutcome{recipe: rec, err: err}
				return nil
			})
		}
		_ = g.Wait()
	}

	gen := r.state.Generation
	for k, i := range work {
		it := &d.Items[i]
		o := outcomes[k]
		if o.err != nil {
			it.Generation = nil
			gen.FailedIndexes = append(gen.FailedIndexes, i)
			item := i
			f := job.Fault{At: a.now().UTC(), Step: tools.NameGenerateMissingRecipes, Kind: mealplanagent.KindOf(o.err).String(), Message: o.err.Error(), Item: &item}
			gen.Faults = job.AppendBounded(gen.Faults, a.cfg.FaultHistory, f)
			r.faults = append(r.faults, f)
			a.metrics.recipeFailures.Add(ctx, 1)
			slog.Warn("PLANNER: Recipe generation failed for item", "job_id", r.job.ID, "item", i, "title", it.Title, "error", o.err)
			continue
		}
		resolved := a.now().UTC()
		it.RecipeID = o.recipe.RecipeID
		it.Generation = &draft.GenerationStatus{
			State:      draft.GenerationResolved,
			StartedAt:  started,
			ResolvedAt: &resolved,
			Source:     draft.SourceNewlyGenerated,
		}
		gen.Generated++
		a.metrics.recipesCreated.Add(ctx, 1)
	}
	sort.Ints(gen.FailedIndexes)

	d.UpdatedAt = a.now().UTC()
	if err := a.deps.Drafts.Save(ctx, d); err != nil {
		return mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}
	a.snapshotDraft(r, d)
	slog.Info("PLANNER: Recipe chunk done", "job_id", r.job.ID, "items", len(work), "generated", gen.Generated, "failed", len(gen.FailedIndexes))
	return nil
}

// generateRecipe retries timeout-shaped failures only, within the chunk's
// shared budget.
func (a *Agent) generateRecipe(ctx context.Context, req generator.RecipeRequest) (generator.Recipe, error) {
	op := func() (generator.Recipe, error) {
		rec, err := a.deps.RecipeGen.Generate(ctx, req)
		if err != nil && !mealplanagent.IsTimeout(err) {
			return rec, backoff.Permanent(err)
		}
		return rec, err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = a.retryInterval

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(a.cfg.RecipeRetries+1)),
		backoff.WithMaxElapsedTime(a.cfg.RecipeBudget),
	)
}

func (a *Agent) recipeRequest(r *run, d *draft.Draft, i int) generator.RecipeRequest {
	it := d.Items[i]
	servings := it.Servings
	if servings <= 0 {
		servings = r.req.Servings
	}
	c := generator.RecipeConstraints{
		RequiredDietary:    r.constraints.RequiredFor(it),
		BlockedIngredients: r.constraints.Blocked(),
		BlockedTags:        r.constraints.BlockedTags(),
	}
	if r.req.MaxPrepMinutes > 0 {
		v := r.req.MaxPrepMinutes
		c.MaxPrepMinutes = &v
	}
	if r.req.MaxCookMinutes > 0 {
		v := r.req.MaxCookMinutes
		c.MaxCookMinutes = &v
	}
	return generator.RecipeRequest{
		Title:          it.Title,
		MealType:       it.MealType,
		Servings:       servings,
		Constraints:    c,
		Household:      r.prefs,
		IdempotencyKey: IdempotencyKey(r.job.ID, d.ID, i, it.Title),
	}
}

// IdempotencyKey is stable for one item of one draft of one job, so a
// repeated chunk never creates a second recipe.
func IdempotencyKey(jobID, draftID string, index int, title string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", jobID, draftID, index, title)))
	return hex.EncodeToString(sum[:16])
}

// reconcileUnmatched drops items that now carry a recipe from the unmatched set.
func (a *Agent) reconcileUnmatched(r *run, d *draft.Draft) {
	if r.state.Assignment == nil {
		r.state.Assignment = &AssignmentSnapshot{NextItemIndex: len(d.Items)}
	}
	var keep []int
	for _, i := range r.state.Assignment.UnmatchedIndexes {
		if i >= 0 && i < len(d.Items) && !d.Items[i].Assigned() {
			keep = append(keep, i)
		}
	}
	r.state.Assignment.UnmatchedIndexes = keep
}
