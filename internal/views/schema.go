package views

import "strings"

// Column type labels used in inferred schemas.
const (
	TypeString   = "string"
	TypeInteger  = "integer"
	TypeFloat    = "float"
	TypeDatetime = "datetime"
	TypeBoolean  = "boolean"
)

// InferSchema derives a column-name→type map from a view definition.
//
// An explicit column type hint wins. Otherwise the type is inferred from the
// column name: names containing "date" or "time" map to datetime, "count" or
// "age" to integer, "value" or "score" to float, everything else to string.
func InferSchema(def *ViewDefinition) map[string]string {
	columns := def.Columns()
	schema := make(map[string]string, len(columns))

	for _, col := range columns {
		if col.Type != "" {
			schema[col.Name] = normalizeType(col.Type)

			continue
		}

		schema[col.Name] = inferColumnType(col.Name)
	}

	return schema
}

func normalizeType(hint string) string {
	switch strings.ToLower(hint) {
	case "integer", "int":
		return TypeInteger
	case "float", "decimal", "number":
		return TypeFloat
	case "datetime", "date", "instant":
		return TypeDatetime
	case "boolean", "bool":
		return TypeBoolean
	default:
		return TypeString
	}
}

func inferColumnType(name string) string {
	lower := strings.ToLower(name)

	switch {
	case strings.Contains(lower, "date") || strings.Contains(lower, "time"):
		return TypeDatetime
	case strings.Contains(lower, "count") || strings.Contains(lower, "age"):
		return TypeInteger
	case strings.Contains(lower, "value") || strings.Contains(lower, "score"):
		return TypeFloat
	default:
		return TypeString
	}
}
