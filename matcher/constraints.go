package matcher

import (
	"strings"

	"mealplanagent/draft"
	"mealplanagent/household"
)

// DietaryVocabulary is the set of dietary tags the matcher enforces.
var DietaryVocabulary = []string{"vegan", "vegetarian", "pescatarian", "gluten-free", "dairy-free", "halal", "kosher"}

// KnownCuisines lets bare item tags like "thai" act as a cuisine hint.
var KnownCuisines = []string{
	"american", "chinese", "french", "greek", "indian", "italian", "japanese",
	"korean", "mediterranean", "mexican", "middle-eastern", "spanish", "thai", "vietnamese",
}

const (
	containsTagPrefix = "contains:"
	cuisineTagPrefix  = "cuisine:"
	dietTagPrefix     = "diet:"
)

// Constraints are the hard household rules applied to every candidate.
type Constraints struct {
	UserID              string   `json:"user_id"`
	RequiredDietary     []string `json:"required_dietary,omitempty"`
	Allergies           []string `json:"allergies,omitempty"`
	ExcludedIngredients []string `json:"excluded_ingredients,omitempty"`
	Cuisines            []string `json:"cuisines,omitempty"`
}

// ConstraintsFrom builds matching constraints for userID from the household aggregate.
func ConstraintsFrom(userID string, p household.Preferences) Constraints {
	return Constraints{
		UserID:              userID,
		RequiredDietary:     recognizedDietary(p.DietaryPatterns),
		Allergies:           normalizeList(p.Allergies),
		ExcludedIngredients: normalizeList(p.ExcludedIngredients),
		Cuisines:            p.Cuisines,
	}
}

// RequiredFor is the household's dietary tags plus the item's own dietary tags.
func (c Constraints) RequiredFor(it draft.Item) []string {
	return recognizedDietary(append(append([]string(nil), c.RequiredDietary...), it.Tags...))
}

// Blocked is allergies plus excluded ingredients, lowercased and deduplicated.
func (c Constraints) Blocked() []string {
	return normalizeList(append(append([]string(nil), c.Allergies...), c.ExcludedIngredients...))
}

// BlockedTags renders blocked tokens in their "contains:<token>" tag form.
func (c Constraints) BlockedTags() []string {
	blocked := c.Blocked()
	out := make([]string, len(blocked))
	for i, b := range blocked {
		out[i] = containsTagPrefix + b
	}
	return out
}

// CuisineHint reads the cuisine from the item's tags, falling back to the
// household's most frequent cuisine.
func (c Constraints) CuisineHint(it draft.Item) string {
	for _, t := range it.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if strings.HasPrefix(t, cuisineTagPrefix) {
			return strings.TrimPrefix(t, cuisineTagPrefix)
		}
	}
	for _, t := range it.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		for _, k := range KnownCuisines {
			if t == k {
				return k
			}
		}
	}
	return household.Preferences{Cuisines: c.Cuisines}.TopCuisine()
}

// NormalizeDietary maps spelling variants such as "Gluten_Free" to the vocabulary form.
func NormalizeDietary(tag string) string {
	t := strings.ToLower(strings.TrimSpace(tag))
	t = strings.TrimPrefix(t, dietTagPrefix)
	t = strings.NewReplacer("_", "-", " ", "-").Replace(t)
	return t
}

// rejection explains why a candidate was filtered; empty means it survived.
func rejection(cand Candidate, required, blocked []string) string {
	tags := map[string]bool{}
	for _, t := range cand.Tags {
		tags[strings.ToLower(strings.TrimSpace(t))] = true
		tags[NormalizeDietary(t)] = true
	}
	for _, r := range required {
		if !tags[r] {
			return "dietary"
		}
	}
	for _, b := range blocked {
		if tags[containsTagPrefix+b] {
			return "blocked-tag"
		}
		for _, ing := range cand.Ingredients {
			if strings.Contains(strings.ToLower(ing), b) {
				return "blocked-ingredient"
			}
		}
	}
	return ""
}

func recognizedDietary(tags []string) []string {
	known := map[string]bool{}
	for _, v := range DietaryVocabulary {
		known[v] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		n := NormalizeDietary(t)
		if known[n] && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func normalizeList(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
