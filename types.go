package mealplanagent

import (
	"context"
	"net/http"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type SlackClient interface {
	PostMessage(ctx context.Context, channel string, message string) error
}

// PlanResult is stored as the job result on completion.
type PlanResult struct {
	DraftID     string         `json:"draft_id"`
	Summary     string         `json:"summary"`
	DaysPlanned int            `json:"days_planned"`
	Items       []PlannedMeal  `json:"items"`
	Stats       map[string]int `json:"stats"`
	ArchiveKey  string         `json:"archive_key,omitempty"`
}

// PlannedMeal is one finalized slot.
type PlannedMeal struct {
	Date     string `json:"date"`
	MealType string `json:"meal_type"`
	Title    string `json:"title"`
	RecipeID string `json:"recipe_id"`
	Servings int    `json:"servings"`
}
