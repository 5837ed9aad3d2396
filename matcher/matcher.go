// Package matcher assigns existing catalog recipes to draft items under hard
// dietary constraints.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mealplanagent"
	"mealplanagent/draft"
)

// Config exposes every matching constant.
type Config struct {
	MinConfidence  float64
	MealTypeBonus  float64
	CuisineBonus   float64
	TrigramSize    int
	CandidateLimit int
	TimeBudget     time.Duration
	SafetyBuffer   time.Duration
	FlushEvery     int
}

func DefaultConfig() Config {
	return Config{
		MinConfidence:  0.8,
		MealTypeBonus:  0.08,
		CuisineBonus:   0.04,
		TrigramSize:    3,
		CandidateLimit: 8,
		TimeBudget:     50 * time.Second,
		SafetyBuffer:   5 * time.Second,
		FlushEvery:     5,
	}
}

// ConfigFrom converts the env-decoded settings.
func ConfigFrom(c mealplanagent.MatcherConfig) Config {
	return Config{
		MinConfidence:  c.MinConfidence,
		MealTypeBonus:  c.MealTypeBonus,
		CuisineBonus:   c.CuisineBonus,
		TrigramSize:    c.TrigramSize,
		CandidateLimit: c.CandidateLimit,
		TimeBudget:     c.TimeBudget,
		SafetyBuffer:   c.SafetyBuffer,
		FlushEvery:     c.FlushEvery,
	}
}

// Query asks the catalog for candidates similar to one item.
type Query struct {
	Title    string
	MealType string
	Cuisine  string
	// UserID restricts results to public recipes and recipes owned by this user.
	UserID string
	Limit  int
}

type Candidate struct {
	RecipeID      string   `json:"recipe_id"`
	Title         string   `json:"title"`
	Tags          []string `json:"tags,omitempty"`
	Ingredients   []string `json:"ingredients,omitempty"`
	Similarity    float64  `json:"similarity"`
	MealTypeMatch bool     `json:"meal_type_match"`
	CuisineMatch  bool     `json:"cuisine_match"`
}

// Catalog returns candidates ranked by title similarity, best first.
type Catalog interface {
	Search(ctx context.Context, q Query) ([]Candidate, error)
}

// Options bound one Assign run. Zero values fall back to the matcher config.
type Options struct {
	StartIndex    int           `json:"start_index"`
	MaxItems      int           `json:"max_items,omitempty"`
	TimeBudget    time.Duration `json:"time_budget,omitempty"`
	MinConfidence float64       `json:"min_confidence,omitempty"`
}

type Assignment struct {
	ItemIndex  int     `json:"item_index"`
	RecipeID   string  `json:"recipe_id"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

type Stats struct {
	Processed         int `json:"processed"`
	SkippedAssigned   int `json:"skipped_assigned"`
	SkippedPending    int `json:"skipped_pending"`
	Matched           int `json:"matched"`
	Unmatched         int `json:"unmatched"`
	BelowThreshold    int `json:"below_threshold"`
	RejectedDietary   int `json:"rejected_dietary"`
	RejectedBlocked   int `json:"rejected_blocked"`
	ItemErrors        int `json:"item_errors"`
	Flushes           int `json:"flushes"`
	CandidatesScanned int `json:"candidates_scanned"`
}

type Result struct {
	Assignments      []Assignment `json:"assignments"`
	UnmatchedIndexes []int        `json:"unmatched_indexes"`
	Stats            Stats        `json:"stats"`
	HasMore          bool         `json:"has_more"`
	NextItemIndex    int          `json:"next_item_index"`
}

type Matcher struct {
	catalog Catalog
	drafts  draft.Store
	cfg     Config
	now     func() time.Time
	tracer  trace.Tracer
}

type Option func(*Matcher)

// WithClock replaces time.Now for budget accounting.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Matcher) { m.tracer = t }
}

// New returns a matcher. drafts may be nil, in which case nothing is flushed.
func New(catalog Catalog, drafts draft.Store, cfg Config, opts ...Option) *Matcher {
	def := DefaultConfig()
	if cfg.TrigramSize <= 0 {
		cfg.TrigramSize = def.TrigramSize
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = def.FlushEvery
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	m := &Matcher{
		catalog: catalog,
		drafts:  drafts,
		cfg:     cfg,
		now:     time.Now,
		tracer:  otel.Tracer(mealplanagent.TracerNameMatcher),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Matcher) Config() Config { return m.cfg }

// Assign walks the items in [StartIndex, StartIndex+MaxItems) in index order
// and writes matches onto d. Assigned items and items awaiting generation are
// never touched. A per-item failure only leaves that item unmatched. The
// returned error is reserved for persistence failures; the result is still
// valid when it is set.
func (m *Matcher) Assign(ctx context.Context, d *draft.Draft, c Constraints, opts Options) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "Matcher.Assign")
	defer span.End()

	budget := opts.TimeBudget
	if budget <= 0 {
		budget = m.cfg.TimeBudget
	}
	minConf := opts.MinConfidence
	if minConf <= 0 {
		minConf = m.cfg.MinConfidence
	}
	start := opts.StartIndex
	if start < 0 {
		start = 0
	}
	end := len(d.Items)
	if opts.MaxItems > 0 && start+opts.MaxItems < end {
		end = start + opts.MaxItems
	}

	span.SetAttributes(
		attribute.String("draft.id", d.ID),
		attribute.Int("window.start", start),
		attribute.Int("window.end", end),
		attribute.Float64("min_confidence", minConf),
	)

	res := Result{NextItemIndex: end, HasMore: end < len(d.Items)}
	blocked := c.Blocked()
	began := m.now()
	sinceFlush := 0

	for i := start; i < end; i++ {
		if budget > 0 && budget-m.now().Sub(began) <= m.cfg.SafetyBuffer {
			res.HasMore = true
			res.NextItemIndex = i
			slog.Info("MATCHER: Time budget exhausted, stopping early", "draft_id", d.ID, "next_item_index", i)
			break
		}

		it := &d.Items[i]
		if it.Assigned() {
			res.Stats.SkippedAssigned++
			continue
		}
		if it.PendingGeneration() {
			res.Stats.SkippedPending++
			continue
		}

		res.Stats.Processed++
		a, reason, err := m.matchItem(ctx, i, it, c, blocked, minConf, &res.Stats)
		switch {
		case err != nil:
			res.Stats.ItemErrors++
			res.UnmatchedIndexes = append(res.UnmatchedIndexes, i)
			slog.Warn("MATCHER: Item failed, leaving unmatched", "draft_id", d.ID, "item", i, "error", err)
		case a == nil:
			res.UnmatchedIndexes = append(res.UnmatchedIndexes, i)
			slog.Debug("MATCHER: No match", "draft_id", d.ID, "item", i, "reason", reason)
		default:
			it.RecipeID = a.RecipeID
			it.Generation = nil
			res.Assignments = append(res.Assignments, *a)
			res.Stats.Matched++
		}

		sinceFlush++
		if sinceFlush >= m.cfg.FlushEvery {
			if err := m.flush(ctx, d, &res.Stats); err != nil {
				recordError(span, err)
				return m.finish(span, res), err
			}
			sinceFlush = 0
		}
	}

	if err := m.flush(ctx, d, &res.Stats); err != nil {
		recordError(span, err)
		return m.finish(span, res), err
	}
	return m.finish(span, res), nil
}

func (m *Matcher) finish(span trace.Span, res Result) Result {
	res.Stats.Unmatched = len(res.UnmatchedIndexes)
	span.SetAttributes(
		attribute.Int("matched", res.Stats.Matched),
		attribute.Int("unmatched", res.Stats.Unmatched),
		attribute.Bool("has_more", res.HasMore),
	)
	return res
}

func (m *Matcher) matchItem(ctx context.Context, idx int, it *draft.Item, c Constraints, blocked []string, minConf float64, st *Stats) (*Assignment, string, error) {
	required := c.RequiredFor(*it)
	cuisine := c.CuisineHint(*it)

	cands, err := m.catalog.Search(ctx, Query{
		Title:    it.Title,
		MealType: it.MealType,
		Cuisine:  cuisine,
		UserID:   c.UserID,
		Limit:    m.cfg.CandidateLimit,
	})
	if err != nil {
		return nil, "", fmt.Errorf("search catalog for item %d: %w", idx, err)
	}
	st.CandidatesScanned += len(cands)

	var best *Assignment
	reason := "no-candidates"
	for _, cand := range cands {
		switch rejection(cand, required, blocked) {
		case "":
		case "dietary":
			st.RejectedDietary++
			reason = "dietary"
			continue
		default:
			st.RejectedBlocked++
			reason = "blocked"
			continue
		}
		conf := m.Confidence(cand)
		if best == nil || conf > best.Confidence {
			best = &Assignment{ItemIndex: idx, RecipeID: cand.RecipeID, Confidence: conf, Source: draft.SourceExistingMatch}
		}
	}
	if best == nil {
		return nil, reason, nil
	}
	if best.Confidence < minConf {
		st.BelowThreshold++
		return nil, "below-threshold", nil
	}
	return best, "", nil
}

// Confidence is similarity plus the categorical bonuses, capped at 1.
func (m *Matcher) Confidence(c Candidate) float64 {
	conf := c.Similarity
	if c.MealTypeMatch {
		conf += m.cfg.MealTypeBonus
	}
	if c.CuisineMatch {
		conf += m.cfg.CuisineBonus
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func (m *Matcher) flush(ctx context.Context, d *draft.Draft, st *Stats) error {
	if m.drafts == nil {
		return nil
	}
	if err := m.drafts.Save(ctx, d); err != nil {
		return fmt.Errorf("flush draft %s: %w", d.ID, err)
	}
	st.Flushes++
	return nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
