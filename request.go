package mealplanagent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// DateLayout is the wire format of plan dates.
const DateLayout = "2006-01-02"

// MaxPlanDays bounds a single request.
const MaxPlanDays = 31

// SlotVocabulary is the fixed, ordered meal-slot vocabulary. A request with
// N meals per day uses the first N labels.
var SlotVocabulary = []string{"breakfast", "lunch", "dinner", "snack", "dessert", "brunch"}

// JobTypeMealPlan tags async jobs created for plan requests.
const JobTypeMealPlan = "meal_plan_generation"

// PlanRequest is the normalized plan request stored as the job payload.
type PlanRequest struct {
	UserID         string   `json:"user_id"`
	HouseholdID    string   `json:"household_id"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	MealsPerDay    int      `json:"meals_per_day"`
	Servings       int      `json:"servings"`
	DietaryStyles  []string `json:"dietary_styles,omitempty"`
	Preferences    string   `json:"preferences,omitempty"`
	MaxPrepMinutes int      `json:"max_prep_minutes,omitempty"`
	MaxCookMinutes int      `json:"max_cook_minutes,omitempty"`
}

// Normalize trims and lowercases free-form fields and sorts list fields so
// equivalent requests share a signature.
func (r PlanRequest) Normalize() PlanRequest {
	out := r
	out.UserID = strings.TrimSpace(r.UserID)
	out.HouseholdID = strings.TrimSpace(r.HouseholdID)
	out.StartDate = strings.TrimSpace(r.StartDate)
	out.EndDate = strings.TrimSpace(r.EndDate)
	out.Preferences = strings.Join(strings.Fields(strings.ToLower(r.Preferences)), " ")
	if out.Servings <= 0 {
		out.Servings = 2
	}

	seen := map[string]bool{}
	out.DietaryStyles = nil
	for _, s := range r.DietaryStyles {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out.DietaryStyles = append(out.DietaryStyles, s)
	}
	sort.Strings(out.DietaryStyles)
	return out
}

// Validate checks the request shape. It does not check household membership.
func (r PlanRequest) Validate() error {
	const op = "validate request"
	if r.UserID == "" {
		return Errorf(KindValidation, op, "user_id is required")
	}
	start, err := time.Parse(DateLayout, r.StartDate)
	if err != nil {
		return Errorf(KindValidation, op, "start_date must be YYYY-MM-DD")
	}
	end, err := time.Parse(DateLayout, r.EndDate)
	if err != nil {
		return Errorf(KindValidation, op, "end_date must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return Errorf(KindValidation, op, "end_date precedes start_date")
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > MaxPlanDays {
		return Errorf(KindValidation, op, "plan spans %d days, limit is %d", days, MaxPlanDays)
	}
	if r.MealsPerDay < 1 || r.MealsPerDay > len(SlotVocabulary) {
		return Errorf(KindValidation, op, "meals_per_day must be between 1 and %d", len(SlotVocabulary))
	}
	return nil
}

// Dates expands the inclusive date range. Invalid ranges yield nil.
func (r PlanRequest) Dates() []string {
	start, err := time.Parse(DateLayout, r.StartDate)
	if err != nil {
		return nil
	}
	end, err := time.Parse(DateLayout, r.EndDate)
	if err != nil || end.Before(start) {
		return nil
	}
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(DateLayout))
	}
	return out
}

// Slots returns the expected slot labels for the request.
func (r PlanRequest) Slots() []string {
	n := r.MealsPerDay
	if n < 0 {
		n = 0
	}
	if n > len(SlotVocabulary) {
		n = len(SlotVocabulary)
	}
	return append([]string(nil), SlotVocabulary[:n]...)
}

// Signature is the canonical-payload signature used for deduplication.
func (r PlanRequest) Signature() string {
	n := r.Normalize()
	canonical := struct {
		UserID         string   `json:"u"`
		HouseholdID    string   `json:"h"`
		StartDate      string   `json:"s"`
		EndDate        string   `json:"e"`
		MealsPerDay    int      `json:"m"`
		Servings       int      `json:"v"`
		DietaryStyles  []string `json:"d"`
		Preferences    string   `json:"p"`
		MaxPrepMinutes int      `json:"mp"`
		MaxCookMinutes int      `json:"mc"`
	}{n.UserID, n.HouseholdID, n.StartDate, n.EndDate, n.MealsPerDay, n.Servings, n.DietaryStyles, n.Preferences, n.MaxPrepMinutes, n.MaxCookMinutes}

	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
