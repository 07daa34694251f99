// Package typesystem provides the in-process type system backing contract
// validation for domains, extensions and actions.
//
// Identifiers follow a chained grammar: "gts." followed by one or more
// segments of the form vendor.package.namespace.type.vMAJOR[.MINOR], joined
// by "~". Ids ending in "~" name types; any other valid id names an instance
// of the type preceding its last segment. A type derives from every type id
// that is a prefix of it.
//
// Instances are validated against every JSON schema registered along their
// type chain and against optional Rego contract rules attached to those types.
package typesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/polisai/polis-extensions/pkg/domain"
)

const schemaBaseURL = "https://schemas.polis.local/gts/"

var idPattern = regexp.MustCompile(
	`^gts\.` + segment + `(?:~` + segment + `)*~?$`,
)

const (
	token   = `[a-z_][a-z0-9_]*`
	version = `v(?:0|[1-9][0-9]*)(?:\.(?:0|[1-9][0-9]*))?`
	segment = token + `\.` + token + `\.` + token + `\.` + token + `\.` + version
)

// TypeSystem is a goroutine-safe implementation of domain.TypeSystem.
type TypeSystem struct {
	mu        sync.RWMutex
	schemas   map[string]*jsonschema.Schema
	rules     map[string]*contractRules
	instances map[string]any
}

// New creates a TypeSystem with the runtime's base schemas registered.
func New() *TypeSystem {
	ts := &TypeSystem{
		schemas:   make(map[string]*jsonschema.Schema),
		rules:     make(map[string]*contractRules),
		instances: make(map[string]any),
	}
	for _, typeID := range sortedKeys(baseSchemas) {
		if err := ts.RegisterSchema(typeID, baseSchemas[typeID]); err != nil {
			panic(fmt.Sprintf("typesystem: invalid base schema %s: %v", typeID, err))
		}
	}
	return ts
}

// IsValidTypeID reports whether id matches the identifier grammar.
func (ts *TypeSystem) IsValidTypeID(id string) bool {
	return idPattern.MatchString(id)
}

// IsTypeOf reports whether id is baseTypeID or derives from it.
func (ts *TypeSystem) IsTypeOf(id, baseTypeID string) bool {
	if !ts.IsValidTypeID(id) || !ts.IsValidTypeID(baseTypeID) || !domain.IsTypeID(baseTypeID) {
		return false
	}
	return strings.HasPrefix(id, baseTypeID)
}

// RegisterSchema compiles and stores a JSON schema for typeID, replacing any
// schema previously registered for it.
func (ts *TypeSystem) RegisterSchema(typeID string, schema map[string]any) error {
	if !ts.IsValidTypeID(typeID) || !domain.IsTypeID(typeID) {
		return fmt.Errorf("register schema: %q is not a type id", typeID)
	}

	doc, err := normalize(schema)
	if err != nil {
		return fmt.Errorf("register schema %s: %w", typeID, err)
	}

	location := schemaBaseURL + typeID
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return fmt.Errorf("register schema %s: %w", typeID, err)
	}
	compiled, err := compiler.Compile(location)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", typeID, err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.schemas[typeID] = compiled
	return nil
}

// RegisterRules attaches a Rego module to typeID. The module must define a
// "deny" set; each element is reported as a validation error.
func (ts *TypeSystem) RegisterRules(ctx context.Context, typeID, module string) error {
	if !ts.IsValidTypeID(typeID) || !domain.IsTypeID(typeID) {
		return fmt.Errorf("register rules: %q is not a type id", typeID)
	}
	rules, err := compileRules(ctx, typeID, module)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.rules[typeID] = rules
	return nil
}

// HasSchema reports whether a schema is registered for typeID.
func (ts *TypeSystem) HasSchema(typeID string) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	_, ok := ts.schemas[typeID]
	return ok
}

// Register stores a copy of the instance body under instance.ID.
func (ts *TypeSystem) Register(instance domain.Instance) error {
	if !ts.IsValidTypeID(instance.ID) {
		return fmt.Errorf("register instance: invalid id %q", instance.ID)
	}
	body, err := normalize(instance.Body)
	if err != nil {
		return fmt.Errorf("register instance %s: %w", instance.ID, err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.instances[instance.ID] = body
	return nil
}

// Unregister drops the instance stored under id.
func (ts *TypeSystem) Unregister(id string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.instances, id)
}

// ValidateInstance validates the instance registered under id.
func (ts *TypeSystem) ValidateInstance(id string) domain.ValidationResult {
	if !ts.IsValidTypeID(id) {
		return invalid(fmt.Sprintf("invalid id %q", id))
	}

	ts.mu.RLock()
	body, ok := ts.instances[id]
	chain := typeChain(id)
	schemas := make([]*jsonschema.Schema, 0, len(chain))
	rules := make([]*contractRules, 0, len(chain))
	for _, typeID := range chain {
		if sch, found := ts.schemas[typeID]; found {
			schemas = append(schemas, sch)
		}
		if r, found := ts.rules[typeID]; found {
			rules = append(rules, r)
		}
	}
	ts.mu.RUnlock()

	if !ok {
		return invalid(fmt.Sprintf("no instance registered under %s", id))
	}
	if len(schemas) == 0 {
		return invalid(fmt.Sprintf("no schema registered along type chain of %s", id))
	}

	var errs []string
	for _, sch := range schemas {
		if err := sch.Validate(body); err != nil {
			errs = append(errs, flattenValidationError(err)...)
		}
	}
	for _, r := range rules {
		violations, err := r.evaluate(context.Background(), body)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		errs = append(errs, violations...)
	}

	if len(errs) > 0 {
		return domain.ValidationResult{Valid: false, Errors: errs}
	}
	return domain.ValidationResult{Valid: true}
}

// typeChain returns every type id along the chain of id, base first.
func typeChain(id string) []string {
	typeID := domain.TypeIDOf(id)
	var chain []string
	for i, r := range typeID {
		if r == '~' {
			chain = append(chain, typeID[:i+1])
		}
	}
	return chain
}

// normalize round-trips a value through JSON so numbers and containers take
// the shapes the schema validator expects and no caller memory is retained.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

func flattenValidationError(err error) []string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func invalid(msg string) domain.ValidationResult {
	return domain.ValidationResult{Valid: false, Errors: []string{msg}}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
