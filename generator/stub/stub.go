// Package stub provides deterministic in-process generators for local runs
// and tests.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mealplanagent"
	"mealplanagent/draft"
	"mealplanagent/generator"
)

// Menu is the title pool per slot. Titles rotate by day so a week has variety.
var Menu = map[string][]string{
	"breakfast": {"Overnight Oats", "Tofu Scramble", "Banana Pancakes", "Chia Pudding", "Avocado Toast", "Berry Smoothie Bowl", "Granola Parfait"},
	"lunch":     {"Lentil Soup", "Falafel Wrap", "Quinoa Salad", "Minestrone", "Black Bean Tacos", "Veggie Sushi Rolls", "Tomato Bisque"},
	"dinner":    {"Chickpea Curry", "Mushroom Risotto", "Vegetable Stir Fry", "Stuffed Peppers", "Pasta Primavera", "Thai Green Curry", "Bean Chili"},
	"snack":     {"Hummus and Carrots", "Trail Mix", "Apple Slices", "Roasted Chickpeas", "Rice Cakes", "Edamame", "Popcorn"},
	"dessert":   {"Fruit Salad", "Dark Chocolate Bark", "Baked Apples", "Coconut Rice Pudding", "Lemon Sorbet", "Oat Cookies", "Poached Pears"},
	"brunch":    {"Shakshuka", "Veggie Frittata", "Breakfast Burrito", "French Toast", "Hash Browns", "Bagel Spread", "Crepes"},
}

// DraftGenerator writes a complete draft straight into a draft store.
type DraftGenerator struct {
	Drafts draft.Store
	// Skip drops these "date slot" keys from generated drafts.
	Skip map[string]bool
	Now  func() time.Time
}

func (g *DraftGenerator) Generate(ctx context.Context, req generator.DraftRequest) (generator.DraftRef, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	pr := mealplanagent.PlanRequest{StartDate: req.StartDate, EndDate: req.EndDate, MealsPerDay: req.MealsPerDay}

	d := &draft.Draft{
		ID:          uuid.NewString(),
		HouseholdID: req.HouseholdID,
		UserID:      req.UserID,
		Status:      draft.StatusCompleted,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		MealsPerDay: req.MealsPerDay,
		CreatedAt:   now().UTC(),
		UpdatedAt:   now().UTC(),
	}
	for day, date := range pr.Dates() {
		for _, slot := range pr.Slots() {
			if g.Skip[date+" "+slot] {
				continue
			}
			titles := Menu[slot]
			d.Items = append(d.Items, draft.Item{
				Date:        date,
				MealType:    slot,
				Title:       titles[day%len(titles)],
				Description: fmt.Sprintf("%s for %s", slot, date),
				Servings:    req.Servings,
				Tags:        append([]string(nil), req.DietaryStyles...),
			})
		}
	}
	if err := g.Drafts.Save(ctx, d); err != nil {
		return generator.DraftRef{}, err
	}
	return generator.DraftRef{DraftID: d.ID, Status: string(d.Status)}, nil
}

// RecipeGenerator mints recipe ids from the idempotency key. Repeated keys
// return the first recipe. Fail lets tests script errors per title.
type RecipeGenerator struct {
	Fail func(req generator.RecipeRequest, attempt int) error
	// Created receives every newly minted recipe, for example to grow a catalog.
	Created func(ctx context.Context, req generator.RecipeRequest, r generator.Recipe) error

	mu       sync.Mutex
	byKey    map[string]generator.Recipe
	attempts map[string]int
}

func (g *RecipeGenerator) Generate(ctx context.Context, req generator.RecipeRequest) (generator.Recipe, error) {
	g.mu.Lock()
	if g.byKey == nil {
		g.byKey = map[string]generator.Recipe{}
		g.attempts = map[string]int{}
	}
	if r, ok := g.byKey[req.IdempotencyKey]; ok {
		g.mu.Unlock()
		return r, nil
	}
	g.attempts[req.IdempotencyKey]++
	attempt := g.attempts[req.IdempotencyKey]
	g.mu.Unlock()

	if g.Fail != nil {
		if err := g.Fail(req, attempt); err != nil {
			return generator.Recipe{}, err
		}
	}

	sum := sha256.Sum256([]byte(req.IdempotencyKey))
	r := generator.Recipe{
		RecipeID: "gen-" + hex.EncodeToString(sum[:6]),
		Slug:     slugify(req.Title),
		Title:    req.Title,
	}
	if g.Created != nil {
		if err := g.Created(ctx, req, r); err != nil {
			return generator.Recipe{}, &generator.RecipeError{Code: generator.CodePersistError, Message: err.Error()}
		}
	}

	g.mu.Lock()
	g.byKey[req.IdempotencyKey] = r
	g.mu.Unlock()
	return r, nil
}

// Calls returns how many generation attempts were made for key.
func (g *RecipeGenerator) Calls(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[key]
}

func slugify(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}
