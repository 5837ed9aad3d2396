package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealplanagent/draft"
	"mealplanagent/household"
)

type recipe struct {
	id          string
	title       string
	mealType    string
	cuisine     string
	tags        []string
	ingredients []string
	owner       string
}

// fakeCatalog scores every recipe client-side, the same way the degraded
// database path does.
type fakeCatalog struct {
	recipes []recipe
	fixed   *float64
	fail    map[string]error
	onCall  func()
	calls   int
}

func (c *fakeCatalog) Search(_ context.Context, q Query) ([]Candidate, error) {
	c.calls++
	if c.onCall != nil {
		c.onCall()
	}
	if err := c.fail[q.Title]; err != nil {
		return nil, err
	}
	var out []Candidate
	for _, r := range c.recipes {
		if r.owner != "" && r.owner != q.UserID {
			continue
		}
		sim := Similarity(q.Title, r.title, 3)
		if c.fixed != nil {
			sim = *c.fixed
		}
		out = append(out, Candidate{
			RecipeID:      r.id,
			Title:         r.title,
			Tags:          r.tags,
			Ingredients:   r.ingredients,
			Similarity:    sim,
			MealTypeMatch: r.mealType == q.MealType,
			CuisineMatch:  r.cuisine != "" && r.cuisine == q.Cuisine,
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

type fakeDrafts struct {
	saves int
	fail  error
	last  *draft.Draft
}

func (s *fakeDrafts) Get(context.Context, string) (*draft.Draft, error) {
	if s.last == nil {
		return nil, draft.ErrNotFound
	}
	return s.last.Clone(), nil
}

func (s *fakeDrafts) Save(_ context.Context, d *draft.Draft) error {
	if s.fail != nil {
		return s.fail
	}
	s.saves++
	s.last = d.Clone()
	return nil
}

func (s *fakeDrafts) DeleteDuplicateFailed(context.Context, string, string) (int, error) {
	return 0, nil
}

func titledDraft(titles ...string) *draft.Draft {
	d := &draft.Draft{ID: "d1", Status: draft.StatusCompleted}
	for i, t := range titles {
		d.Items = append(d.Items, draft.Item{
			Date:     fmt.Sprintf("2024-01-%02d", i/3+1),
			MealType: []string{"breakfast", "lunch", "dinner"}[i%3],
			Title:    t,
			Servings: 2,
		})
	}
	return d
}

func assignedIDs(d *draft.Draft) []string {
	out := make([]string, len(d.Items))
	for i, it := range d.Items {
		out[i] = it.RecipeID
	}
	return out
}

func ptr(f float64) *float64 { return &f }

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "Chickpea Curry", "chickpea curry", 1},
		{"whitespace insensitive", "chickpea   curry", " chickpea curry", 1},
		{"disjoint", "abc", "xyz", 0},
		{"empty", "", "curry", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b, 3), 1e-9)
		})
	}

	partial := Similarity("chickpea curry", "chickpea stew", 3)
	assert.Greater(t, partial, 0.0)
	assert.Less(t, partial, 1.0)
	assert.InDelta(t, partial, Similarity("chickpea stew", "chickpea curry", 3), 1e-9)
}

func TestConstraints(t *testing.T) {
	c := ConstraintsFrom("u1", household.Preferences{
		DietaryPatterns:     []string{"Vegan", "gluten_free", "low-sodium"},
		Allergies:           []string{"Peanut", " shellfish"},
		ExcludedIngredients: []string{"peanut", "cilantro"},
		Cuisines:            []string{"thai", "italian", "italian"},
	})

	assert.Equal(t, []string{"vegan", "gluten-free"}, c.RequiredDietary)
	assert.Equal(t, []string{"peanut", "shellfish", "cilantro"}, c.Blocked())
	assert.Equal(t, []string{"contains:peanut", "contains:shellfish", "contains:cilantro"}, c.BlockedTags())

	it := draft.Item{Tags: []string{"halal", "quick"}}
	assert.Equal(t, []string{"vegan", "gluten-free", "halal"}, c.RequiredFor(it))

	assert.Equal(t, "italian", c.CuisineHint(draft.Item{}))
	assert.Equal(t, "mexican", c.CuisineHint(draft.Item{Tags: []string{"cuisine:Mexican"}}))
	assert.Equal(t, "korean", c.CuisineHint(draft.Item{Tags: []string{"spicy", "korean"}}))
}

func TestAssign_VeganPeanutRejectedAtPerfectSimilarity(t *testing.T) {
	var titles []string
	for i := 0; i < 21; i++ {
		titles = append(titles, "Peanut Noodle Bowl")
	}
	d := titledDraft(titles...)
	cat := &fakeCatalog{
		fixed: ptr(1.0),
		recipes: []recipe{
			{id: "r-peanut", title: "Peanut Noodle Bowl", tags: []string{"vegan"}, ingredients: []string{"rice noodles", "peanut butter"}},
			{id: "r-contains", title: "Peanut Noodle Bowl", tags: []string{"vegan", "contains:peanut"}},
			{id: "r-meat", title: "Peanut Noodle Bowl", tags: []string{"gluten-free"}, ingredients: []string{"chicken"}},
		},
	}
	c := ConstraintsFrom("u1", household.Preferences{DietaryPatterns: []string{"vegan"}, Allergies: []string{"peanut"}})

	m := New(cat, nil, DefaultConfig())
	res, err := m.Assign(context.Background(), d, c, Options{})
	require.NoError(t, err)

	assert.Empty(t, res.Assignments)
	assert.Len(t, res.UnmatchedIndexes, 21)
	assert.Equal(t, 21, res.Stats.RejectedDietary)
	assert.Equal(t, 42, res.Stats.RejectedBlocked)
	for _, it := range d.Items {
		assert.Empty(t, it.RecipeID)
	}
}

func TestAssign_MatchesAndBonuses(t *testing.T) {
	d := titledDraft("Overnight Oats", "Lentil Soup", "Mushroom Risotto")
	d.Items[2].Tags = []string{"cuisine:italian"}
	d.Items[1].Generation = &draft.GenerationStatus{State: draft.GenerationResolved}

	cat := &fakeCatalog{recipes: []recipe{
		{id: "oats", title: "Overnight Oats", mealType: "breakfast"},
		{id: "soup", title: "Lentil Soup", mealType: "dinner"},
		{id: "risotto", title: "Mushroom Risotto", mealType: "dinner", cuisine: "italian"},
	}}

	m := New(cat, nil, DefaultConfig())
	res, err := m.Assign(context.Background(), d, Constraints{UserID: "u1"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"oats", "soup", "risotto"}, assignedIDs(d))
	require.Len(t, res.Assignments, 3)
	for _, a := range res.Assignments {
		assert.Equal(t, draft.SourceExistingMatch, a.Source)
		assert.LessOrEqual(t, a.Confidence, 1.0)
	}
	assert.Nil(t, d.Items[1].Generation, "stale generation marker is cleared on match")
	assert.InDelta(t, 1.0, m.Confidence(Candidate{Similarity: 0.95, MealTypeMatch: true, CuisineMatch: true}), 1e-9)
	assert.InDelta(t, 0.88, m.Confidence(Candidate{Similarity: 0.8, MealTypeMatch: true}), 1e-9)
}

func TestAssign_OwnershipRestriction(t *testing.T) {
	d := titledDraft("Family Lasagna")
	cat := &fakeCatalog{recipes: []recipe{{id: "private", title: "Family Lasagna", owner: "someone-else"}}}

	res, err := New(cat, nil, DefaultConfig()).Assign(context.Background(), d, Constraints{UserID: "u1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.UnmatchedIndexes)
}

func TestAssign_Idempotent(t *testing.T) {
	d := titledDraft("Overnight Oats", "Mystery Dish", "Lentil Soup", "Lentil Soup")
	d.Items[3].RecipeID = "already-there"
	cat := &fakeCatalog{recipes: []recipe{
		{id: "oats", title: "Overnight Oats"},
		{id: "soup", title: "Lentil Soup"},
	}}
	m := New(cat, nil, DefaultConfig())

	first, err := m.Assign(context.Background(), d, Constraints{}, Options{})
	require.NoError(t, err)
	after := assignedIDs(d)
	assert.Equal(t, []string{"oats", "", "soup", "already-there"}, after)
	assert.Equal(t, []int{1}, first.UnmatchedIndexes)

	second, err := m.Assign(context.Background(), d, Constraints{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, after, assignedIDs(d))
	assert.Empty(t, second.Assignments)
	assert.Equal(t, 3, second.Stats.SkippedAssigned)
}

func TestAssign_SkipsPendingGeneration(t *testing.T) {
	d := titledDraft("Lentil Soup", "Lentil Soup")
	d.Items[0].Generation = &draft.GenerationStatus{State: draft.GenerationPending, StartedAt: time.Now()}
	cat := &fakeCatalog{recipes: []recipe{{id: "soup", title: "Lentil Soup"}}}

	res, err := New(cat, nil, DefaultConfig()).Assign(context.Background(), d, Constraints{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.SkippedPending)
	assert.Empty(t, d.Items[0].RecipeID)
	assert.Equal(t, "soup", d.Items[1].RecipeID)
	assert.Equal(t, 1, cat.calls)
}

func TestAssign_ConfidenceMonotonicity(t *testing.T) {
	titles := []string{"Chickpea Curry", "Chickpea Stew", "Chick Pea Salad", "Tomato Soup", "Tomato Bisque", "Grilled Cheese", "Cheese Toastie", "Pasta Bake"}
	cat := &fakeCatalog{recipes: []recipe{
		{id: "curry", title: "Chickpea Curry"},
		{id: "tomato", title: "Tomato Soup"},
		{id: "cheese", title: "Grilled Cheese Sandwich"},
		{id: "pasta", title: "Baked Pasta"},
	}}

	prev := -1
	for _, threshold := range []float64{0.95, 0.8, 0.6, 0.4, 0.2, 0.05} {
		d := titledDraft(titles...)
		res, err := New(cat, nil, DefaultConfig()).Assign(context.Background(), d, Constraints{}, Options{MinConfidence: threshold})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Stats.Matched, prev, "threshold %.2f", threshold)
		prev = res.Stats.Matched
	}
	assert.Greater(t, prev, 0)
}

func TestAssign_ChunkedMatchesUnbounded(t *testing.T) {
	var titles []string
	var recipes []recipe
	for i := 0; i < 20; i++ {
		titles = append(titles, fmt.Sprintf("Dish number %d", i))
		if i%3 != 0 {
			recipes = append(recipes, recipe{id: fmt.Sprintf("r%d", i), title: fmt.Sprintf("Dish number %d", i)})
		}
	}
	cat := &fakeCatalog{recipes: recipes}
	m := New(cat, nil, DefaultConfig())
	ctx := context.Background()

	whole := titledDraft(titles...)
	_, err := m.Assign(ctx, whole, Constraints{}, Options{})
	require.NoError(t, err)

	chunked := titledDraft(titles...)
	next := 0
	for runs := 0; ; runs++ {
		require.Less(t, runs, 5)
		res, err := m.Assign(ctx, chunked, Constraints{}, Options{StartIndex: next, MaxItems: 7})
		require.NoError(t, err)
		if !res.HasMore {
			break
		}
		next = res.NextItemIndex
	}

	assert.Equal(t, assignedIDs(whole), assignedIDs(chunked))
}

func TestAssign_TimeBudget(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var titles []string
	for i := 0; i < 10; i++ {
		titles = append(titles, fmt.Sprintf("Item %d", i))
	}
	d := titledDraft(titles...)
	cat := &fakeCatalog{onCall: func() { clock = clock.Add(100 * time.Millisecond) }}

	cfg := DefaultConfig()
	cfg.SafetyBuffer = 0
	m := New(cat, nil, cfg, WithClock(func() time.Time { return clock }))

	res, err := m.Assign(context.Background(), d, Constraints{}, Options{TimeBudget: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.HasMore)
	assert.Equal(t, 2, res.NextItemIndex)
	assert.Equal(t, 2, res.Stats.Processed)
}

func TestAssign_SafetyBufferStopsBeforeFirstItem(t *testing.T) {
	d := titledDraft("a", "b")
	cfg := DefaultConfig()
	cfg.SafetyBuffer = time.Second

	res, err := New(&fakeCatalog{}, nil, cfg).Assign(context.Background(), d, Constraints{}, Options{TimeBudget: 500 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.HasMore)
	assert.Equal(t, 0, res.NextItemIndex)
}

func TestAssign_ItemErrorDoesNotAbort(t *testing.T) {
	d := titledDraft("Lentil Soup", "Broken", "Lentil Soup")
	cat := &fakeCatalog{
		recipes: []recipe{{id: "soup", title: "Lentil Soup"}},
		fail:    map[string]error{"Broken": errors.New("statement timeout")},
	}

	res, err := New(cat, nil, DefaultConfig()).Assign(context.Background(), d, Constraints{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.UnmatchedIndexes)
	assert.Equal(t, 1, res.Stats.ItemErrors)
	assert.Equal(t, []string{"soup", "", "soup"}, assignedIDs(d))
}

func TestAssign_FlushesPeriodically(t *testing.T) {
	var titles []string
	for i := 0; i < 12; i++ {
		titles = append(titles, "Lentil Soup")
	}
	d := titledDraft(titles...)
	store := &fakeDrafts{}
	cat := &fakeCatalog{recipes: []recipe{{id: "soup", title: "Lentil Soup"}}}

	res, err := New(cat, store, DefaultConfig()).Assign(context.Background(), d, Constraints{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, store.saves)
	assert.Equal(t, 3, res.Stats.Flushes)
	assert.Equal(t, assignedIDs(d), assignedIDs(store.last))

	store.fail = errors.New("connection refused")
	_, err = New(cat, store, DefaultConfig()).Assign(context.Background(), titledDraft("Lentil Soup"), Constraints{}, Options{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "flush draft"))
}
