package ingress

// planRequestSchema checks the wire shape of a plan request before it is
// decoded. Semantic checks (date order, plan length) live in PlanRequest.Validate.
const planRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["start_date", "end_date", "meals_per_day"],
  "properties": {
    "household_id":     {"type": "string", "maxLength": 128},
    "start_date":       {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "end_date":         {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "meals_per_day":    {"type": "integer", "minimum": 1, "maximum": 6},
    "servings":         {"type": "integer", "minimum": 1, "maximum": 24},
    "dietary_styles":   {"type": "array", "maxItems": 16, "items": {"type": "string", "maxLength": 64}},
    "preferences":      {"type": "string", "maxLength": 2000},
    "max_prep_minutes": {"type": "integer", "minimum": 0},
    "max_cook_minutes": {"type": "integer", "minimum": 0}
  }
}`
