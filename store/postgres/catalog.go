package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgconn"

	"mealplanagent/matcher"
)

// undefinedFunction is the SQLSTATE raised when pg_trgm is not installed.
const undefinedFunction = "42883"

// fallbackScanFactor widens the ILIKE pre-filter before client-side scoring.
const fallbackScanFactor = 8

var _ matcher.Catalog = (*Catalog)(nil)

// Catalog searches recipes visible to a user: their own and the system
// user's. Similarity comes from pg_trgm when available; otherwise candidates
// are pre-filtered with ILIKE and scored in process.
type Catalog struct {
	db           DB
	systemUserID string
	gramSize     int
	noTrigram    atomic.Bool
}

func NewCatalog(db DB, systemUserID string, gramSize int) *Catalog {
	return &Catalog{db: db, systemUserID: systemUserID, gramSize: gramSize}
}

func (c *Catalog) Search(ctx context.Context, q matcher.Query) ([]matcher.Candidate, error) {
	if !c.noTrigram.Load() {
		out, err := c.searchTrigram(ctx, q)
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != undefinedFunction {
			return out, err
		}
		slog.Warn("MATCHER: pg_trgm is unavailable, scoring candidates in process", "error", pgErr.Message)
		c.noTrigram.Store(true)
	}
	return c.searchFallback(ctx, q)
}

// searchTrigram orders by trigram distance so the gist index serves the
// nearest titles first.
func (c *Catalog) searchTrigram(ctx context.Context, q matcher.Query) ([]matcher.Candidate, error) {
	const sql = `
SELECT id, title, tags, ingredients, (1 - (title <-> $1))::real AS sim,
       lower(meal_type) = lower($2) AS meal_type_match,
       cuisine <> '' AND lower(cuisine) = lower($3) AS cuisine_match
FROM recipes
WHERE owner_id = $4 OR owner_id = $5
ORDER BY title <-> $1, id
LIMIT $6;`
	rows, err := c.db.Query(ctx, sql, q.Title, q.MealType, q.Cuisine, q.UserID, c.systemUserID, limitOrAll(q.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matcher.Candidate
	for rows.Next() {
		var cand matcher.Candidate
		var sim float32
		if err := rows.Scan(&cand.RecipeID, &cand.Title, &cand.Tags, &cand.Ingredients, &sim, &cand.MealTypeMatch, &cand.CuisineMatch); err != nil {
			return nil, fmt.Errorf("scan recipe candidate: %w", err)
		}
		cand.Similarity = float64(sim)
		out = append(out, cand)
	}
	return out, rows.Err()
}

func (c *Catalog) searchFallback(ctx context.Context, q matcher.Query) ([]matcher.Candidate, error) {
	patterns := likePatterns(q.Title)
	const sql = `
SELECT id, title, tags, ingredients,
       lower(meal_type) = lower($1) AS meal_type_match,
       cuisine <> '' AND lower(cuisine) = lower($2) AS cuisine_match
FROM recipes
WHERE (owner_id = $3 OR owner_id = $4)
  AND (cardinality($5::text[]) = 0 OR title ILIKE ANY($5::text[]))
LIMIT $6;`
	rows, err := c.db.Query(ctx, sql, q.MealType, q.Cuisine, q.UserID, c.systemUserID, patterns, limitOrAll(q.Limit)*fallbackScanFactor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matcher.Candidate
	for rows.Next() {
		var cand matcher.Candidate
		if err := rows.Scan(&cand.RecipeID, &cand.Title, &cand.Tags, &cand.Ingredients, &cand.MealTypeMatch, &cand.CuisineMatch); err != nil {
			return nil, fmt.Errorf("scan recipe candidate: %w", err)
		}
		cand.Similarity = matcher.Similarity(q.Title, cand.Title, c.gramSize)
		out = append(out, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// likePatterns turns the significant words of title into ILIKE patterns.
func likePatterns(title string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(title)) {
		w = strings.Trim(w, ".,;:!?()'\"")
		if len([]rune(w)) < 3 {
			continue
		}
		w = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(w)
		out = append(out, "%"+w+"%")
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

// AddRecipe inserts or replaces a catalog recipe.
func (c *Catalog) AddRecipe(ctx context.Context, id, ownerID, title, mealType, cuisine string, tags, ingredients []string) error {
	if tags == nil {
		tags = []string{}
	}
	if ingredients == nil {
		ingredients = []string{}
	}
	const sql = `
INSERT INTO recipes (id, owner_id, title, meal_type, cuisine, tags, ingredients)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  meal_type = EXCLUDED.meal_type,
  cuisine = EXCLUDED.cuisine,
  tags = EXCLUDED.tags,
  ingredients = EXCLUDED.ingredients;`
	_, err := c.db.Exec(ctx, sql, id, ownerID, title, mealType, cuisine, tags, ingredients)
	return err
}
