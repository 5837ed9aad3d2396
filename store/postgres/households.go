package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v4"

	"mealplanagent/household"
)

var _ household.Source = (*Households)(nil)

type Households struct {
	db DB
}

func NewHouseholds(db DB) *Households {
	return &Households{db: db}
}

// Preferences aggregates every member's preferences. Cuisines keep one entry
// per member mention; the other lists are deduplicated.
func (h *Households) Preferences(ctx context.Context, householdID string) (household.Preferences, error) {
	const q = `
SELECT coalesce(p.cuisines, '{}'), coalesce(p.dislikes, '{}'), coalesce(p.dietary_patterns, '{}'),
       coalesce(p.excluded_ingredients, '{}'), coalesce(p.allergies, '{}')
FROM household_members m
LEFT JOIN member_preferences p ON p.user_id = m.user_id
WHERE m.household_id = $1
ORDER BY m.joined_at, m.user_id;`
	rows, err := h.db.Query(ctx, q, householdID)
	if err != nil {
		return household.Preferences{}, err
	}
	defer rows.Close()

	out := household.Preferences{HouseholdID: householdID}
	members := 0
	seen := map[string]map[string]bool{}
	add := func(field string, dst *[]string, vals []string) {
		if seen[field] == nil {
			seen[field] = map[string]bool{}
		}
		for _, v := range vals {
			k := strings.ToLower(strings.TrimSpace(v))
			if k == "" || seen[field][k] {
				continue
			}
			seen[field][k] = true
			*dst = append(*dst, v)
		}
	}
	for rows.Next() {
		var cuisines, dislikes, dietary, excluded, allergies []string
		if err := rows.Scan(&cuisines, &dislikes, &dietary, &excluded, &allergies); err != nil {
			return household.Preferences{}, err
		}
		members++
		out.Cuisines = append(out.Cuisines, cuisines...)
		add("dislikes", &out.Dislikes, dislikes)
		add("dietary", &out.DietaryPatterns, dietary)
		add("excluded", &out.ExcludedIngredients, excluded)
		add("allergies", &out.Allergies, allergies)
	}
	if err := rows.Err(); err != nil {
		return household.Preferences{}, err
	}
	if members == 0 {
		return household.Preferences{}, household.ErrNotFound
	}
	return out, nil
}

func (h *Households) ResolveHousehold(ctx context.Context, userID, requested string) (string, error) {
	var id string
	if requested == "" {
		const q = `
SELECT household_id FROM household_members
WHERE user_id = $1
ORDER BY is_default DESC, joined_at, household_id
LIMIT 1;`
		err := h.db.QueryRow(ctx, q, userID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", household.ErrNotFound
		}
		return id, err
	}

	const q = `SELECT household_id FROM household_members WHERE user_id = $1 AND household_id = $2;`
	err := h.db.QueryRow(ctx, q, userID, requested).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", household.ErrNotMember
	}
	return id, err
}

// AddMember registers a membership and the member's preferences.
func (h *Households) AddMember(ctx context.Context, householdID, userID string, isDefault bool, p household.Preferences) error {
	const member = `
INSERT INTO household_members (household_id, user_id, is_default)
VALUES ($1, $2, $3)
ON CONFLICT (household_id, user_id) DO UPDATE SET is_default = EXCLUDED.is_default;`
	if _, err := h.db.Exec(ctx, member, householdID, userID, isDefault); err != nil {
		return err
	}
	const prefs = `
INSERT INTO member_preferences (user_id, cuisines, dislikes, dietary_patterns, excluded_ingredients, allergies)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
  cuisines = EXCLUDED.cuisines,
  dislikes = EXCLUDED.dislikes,
  dietary_patterns = EXCLUDED.dietary_patterns,
  excluded_ingredients = EXCLUDED.excluded_ingredients,
  allergies = EXCLUDED.allergies;`
	_, err := h.db.Exec(ctx, prefs, userID, orEmpty(p.Cuisines), orEmpty(p.Dislikes), orEmpty(p.DietaryPatterns), orEmpty(p.ExcludedIngredients), orEmpty(p.Allergies))
	return err
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
