// Package household exposes the combined food preferences of a household.
package household

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound  = errors.New("household not found")
	ErrNotMember = errors.New("user is not a member of the household")
)

// Preferences is the read-only aggregate across household members.
// Cuisines keeps one entry per member preference so frequency survives.
type Preferences struct {
	HouseholdID         string   `json:"household_id"`
	Cuisines            []string `json:"cuisines,omitempty"`
	Dislikes            []string `json:"dislikes,omitempty"`
	DietaryPatterns     []string `json:"dietary_patterns,omitempty"`
	ExcludedIngredients []string `json:"excluded_ingredients,omitempty"`
	Allergies           []string `json:"allergies,omitempty"`
}

// TopCuisine returns the most frequent cuisine, ties going to the first seen.
func (p Preferences) TopCuisine() string {
	counts := map[string]int{}
	best, bestN := "", 0
	for _, c := range p.Cuisines {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		counts[c]++
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	return best
}

// Source looks up household scope and preferences.
type Source interface {
	Preferences(ctx context.Context, householdID string) (Preferences, error)
	// ResolveHousehold returns the household the user may plan for. An empty
	// requested id resolves to the user's default household.
	ResolveHousehold(ctx context.Context, userID, requested string) (string, error)
}
