package typesystem

import "github.com/polisai/polis-extensions/pkg/domain"

// baseSchemas are registered by New. Derived types may add stricter schemas;
// instances must satisfy every schema along their chain.
var baseSchemas = map[string]map[string]any{
	domain.ActionBaseTypeID: {
		"type":     "object",
		"required": []any{"type", "target"},
		"properties": map[string]any{
			"type":    map[string]any{"type": "string", "minLength": 1},
			"target":  map[string]any{"type": "string", "minLength": 1},
			"payload": map[string]any{"type": "object"},
			"timeout": map[string]any{"type": "integer", "minimum": 0},
		},
	},
	domain.DomainBaseTypeID: {
		"type":     "object",
		"required": []any{"id", "actions", "defaultActionTimeout"},
		"properties": map[string]any{
			"id":                        map[string]any{"type": "string"},
			"sharedProperties":          stringArray,
			"actions":                   stringArray,
			"extensionsActions":         stringArray,
			"defaultActionTimeout":      map[string]any{"type": "integer", "exclusiveMinimum": 0},
			"lifecycleStages":           stringArray,
			"extensionsLifecycleStages": stringArray,
		},
	},
	domain.ExtensionBaseTypeID: {
		"type":     "object",
		"required": []any{"id", "domain", "entry"},
		"properties": map[string]any{
			"id":           map[string]any{"type": "string"},
			"domain":       map[string]any{"type": "string", "minLength": 1},
			"entry":        map[string]any{"type": "string", "minLength": 1},
			"presentation": map[string]any{"type": "object"},
		},
	},
	domain.EntryBaseTypeID: {
		"type":     "object",
		"required": []any{"id"},
		"properties": map[string]any{
			"id":       map[string]any{"type": "string"},
			"manifest": map[string]any{"type": "object"},
		},
	},
	domain.SharedPropertyBaseTypeID: {
		"type":     "object",
		"required": []any{"id", "value"},
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
	},
}

var stringArray = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "string"},
}
