// Package generator defines the remote draft and recipe generators the
// planner drives, plus HTTP clients and a retry wrapper for them.
package generator

import (
	"context"
	"fmt"
	"strings"

	"mealplanagent/household"
)

// DraftRequest is what the draft generator needs to lay out a plan.
type DraftRequest struct {
	JobID         string   `json:"job_id"`
	UserID        string   `json:"user_id"`
	HouseholdID   string   `json:"household_id"`
	StartDate     string   `json:"start_date"`
	EndDate       string   `json:"end_date"`
	MealsPerDay   int      `json:"meals_per_day"`
	Servings      int      `json:"servings"`
	DietaryStyles []string `json:"dietary_styles,omitempty"`
	Preferences   string   `json:"preferences,omitempty"`
}

type DraftRef struct {
	DraftID string `json:"draft_id"`
	Status  string `json:"status"`
}

type DraftGenerator interface {
	Generate(ctx context.Context, req DraftRequest) (DraftRef, error)
}

type RecipeConstraints struct {
	RequiredDietary    []string `json:"required_dietary"`
	BlockedIngredients []string `json:"blocked_ingredients"`
	BlockedTags        []string `json:"blocked_tags"`
	MaxPrepMinutes     *int     `json:"max_prep_min,omitempty"`
	MaxCookMinutes     *int     `json:"max_cook_min,omitempty"`
}

type RecipeRequest struct {
	Title          string                `json:"title"`
	MealType       string                `json:"meal_type"`
	Servings       int                   `json:"servings"`
	Constraints    RecipeConstraints     `json:"constraints"`
	Household      household.Preferences `json:"household"`
	IdempotencyKey string                `json:"idempotency_key"`
}

type Recipe struct {
	RecipeID string `json:"recipe_id"`
	Slug     string `json:"slug"`
	Title    string `json:"title"`
}

// RecipeGenerator must return the same recipe for a repeated IdempotencyKey.
type RecipeGenerator interface {
	Generate(ctx context.Context, req RecipeRequest) (Recipe, error)
}

// StatusError is a non-2xx reply from a generator endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("generator returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("generator returned status %d: %s", e.StatusCode, e.Message)
}

type RecipeErrorCode string

const (
	CodeSchemaValidation    RecipeErrorCode = "schema-validation"
	CodeConstraintViolation RecipeErrorCode = "constraint-violation"
	CodeProviderTimeout     RecipeErrorCode = "provider-timeout"
	CodeProviderError       RecipeErrorCode = "provider-error"
	CodePersistError        RecipeErrorCode = "persist-error"
)

// RecipeError is the typed failure of one recipe generation.
type RecipeError struct {
	Code       RecipeErrorCode `json:"code"`
	Message    string          `json:"message"`
	Violations []string        `json:"violations,omitempty"`
}

func (e *RecipeError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Violations) > 0 {
		msg += " (" + strings.Join(e.Violations, "; ") + ")"
	}
	return msg
}

// Timeout reports whether the provider timed out. Only these are worth retrying.
func (e *RecipeError) Timeout() bool { return e.Code == CodeProviderTimeout }
