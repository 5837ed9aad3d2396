// Package draft holds the in-progress meal plan produced by draft generation.
package draft

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusConverted  Status = "converted"
)

// Ready reports whether the draft has items that later steps may work on.
func (s Status) Ready() bool {
	return s == StatusCompleted || s == StatusConverted
}

type GenerationState string

const (
	GenerationPending  GenerationState = "pending"
	GenerationResolved GenerationState = "resolved"
)

const (
	SourceExistingMatch  = "existing-match"
	SourceNewlyGenerated = "newly-generated"
)

var ErrNotFound = errors.New("draft not found")

// GenerationStatus is set only while a new-recipe generation is outstanding
// for the item, or once it resolved.
type GenerationStatus struct {
	State      GenerationState `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Source     string          `json:"source,omitempty"`
}

// Item is one (date, slot) entry of a draft.
type Item struct {
	Date        string            `json:"date"`
	MealType    string            `json:"meal_type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Servings    int               `json:"servings"`
	Tags        []string          `json:"tags,omitempty"`
	RecipeID    string            `json:"recipe_id,omitempty"`
	Generation  *GenerationStatus `json:"generation,omitempty"`
}

func (it Item) Assigned() bool { return it.RecipeID != "" }

func (it Item) PendingGeneration() bool {
	return it.Generation != nil && it.Generation.State == GenerationPending
}

type Draft struct {
	ID          string    `json:"id"`
	HouseholdID string    `json:"household_id"`
	UserID      string    `json:"user_id"`
	Status      Status    `json:"status"`
	StartDate   string    `json:"start_date"`
	EndDate     string    `json:"end_date"`
	MealsPerDay int       `json:"meals_per_day"`
	Items       []Item    `json:"items"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UnassignedIndexes lists items without a recipe, in index order.
func (d *Draft) UnassignedIndexes() []int {
	var out []int
	for i, it := range d.Items {
		if !it.Assigned() {
			out = append(out, i)
		}
	}
	return out
}

// AssignedCount counts items carrying a recipe id.
func (d *Draft) AssignedCount() int {
	n := 0
	for _, it := range d.Items {
		if it.Assigned() {
			n++
		}
	}
	return n
}

func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	c := *d
	c.Items = make([]Item, len(d.Items))
	for i, it := range d.Items {
		c.Items[i] = it
		c.Items[i].Tags = append([]string(nil), it.Tags...)
		if it.Generation != nil {
			g := *it.Generation
			c.Items[i].Generation = &g
		}
	}
	return &c
}

// Store is the draft persistence boundary. Save writes status and items
// unconditionally (last-write-wins).
type Store interface {
	Get(ctx context.Context, id string) (*Draft, error)
	Save(ctx context.Context, d *Draft) error
	// DeleteDuplicateFailed removes failed drafts of the household whose error
	// equals message, keeping the earliest one. It returns the number removed.
	DeleteDuplicateFailed(ctx context.Context, householdID, message string) (int, error)
}
