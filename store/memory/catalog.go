package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"mealplanagent/generator"
	"mealplanagent/matcher"
)

// Recipe is one catalog entry. An empty Owner is treated as the system owner.
type Recipe struct {
	ID          string
	Title       string
	MealType    string
	Cuisine     string
	Tags        []string
	Ingredients []string
	Owner       string
}

// Catalog scores recipes with client-side trigram similarity. Only recipes
// owned by the querying user or by the system user are visible.
type Catalog struct {
	mu           sync.Mutex
	recipes      []Recipe
	systemUserID string
	gramSize     int
	// Fail, when set, is consulted with the query title before searching.
	Fail func(title string) error
}

func NewCatalog(systemUserID string, gramSize int, recipes ...Recipe) *Catalog {
	return &Catalog{systemUserID: systemUserID, gramSize: gramSize, recipes: recipes}
}

func (c *Catalog) Add(r Recipe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recipes = append(c.recipes, r)
}

func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recipes)
}

func (c *Catalog) Search(_ context.Context, q matcher.Query) ([]matcher.Candidate, error) {
	if c.Fail != nil {
		if err := c.Fail(q.Title); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []matcher.Candidate
	for _, r := range c.recipes {
		owner := r.Owner
		if owner == "" {
			owner = c.systemUserID
		}
		if owner != c.systemUserID && owner != q.UserID {
			continue
		}
		out = append(out, matcher.Candidate{
			RecipeID:      r.ID,
			Title:         r.Title,
			Tags:          append([]string(nil), r.Tags...),
			Ingredients:   append([]string(nil), r.Ingredients...),
			Similarity:    matcher.Similarity(q.Title, r.Title, c.gramSize),
			MealTypeMatch: strings.EqualFold(r.MealType, q.MealType),
			CuisineMatch:  r.Cuisine != "" && strings.EqualFold(r.Cuisine, q.Cuisine),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Remember adds a generated recipe to the catalog, owned by the requesting
// user's household context. It fits stub.RecipeGenerator.Created.
func (c *Catalog) Remember(ownerID string) func(ctx context.Context, req generator.RecipeRequest, r generator.Recipe) error {
	return func(_ context.Context, req generator.RecipeRequest, r generator.Recipe) error {
		c.Add(Recipe{
			ID:       r.RecipeID,
			Title:    r.Title,
			MealType: req.MealType,
			Tags:     append([]string(nil), req.Constraints.RequiredDietary...),
			Owner:    ownerID,
		})
		return nil
	}
}
