package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-extensions/pkg/domain"
)

// Manifest declares the contracts, domains and extensions a host runs.
type Manifest struct {
	Generation int64           `json:"generation" yaml:"generation"`
	Schemas    []SchemaSpec    `json:"schemas" yaml:"schemas"`
	Rules      []RuleSpec      `json:"rules" yaml:"rules"`
	Domains    []DomainSpec    `json:"domains" yaml:"domains"`
	Extensions []ExtensionSpec `json:"extensions" yaml:"extensions"`
	// Properties holds initial shared property values keyed by domain id.
	Properties map[string]map[string]any `json:"properties" yaml:"properties"`
}

// SchemaSpec attaches a JSON schema to a type id.
type SchemaSpec struct {
	TypeID string         `json:"typeId" yaml:"typeId"`
	Schema map[string]any `json:"schema" yaml:"schema"`
}

// RuleSpec attaches a Rego contract module to a type id.
type RuleSpec struct {
	TypeID string `json:"typeId" yaml:"typeId"`
	Module string `json:"module" yaml:"module"`
}

// DomainSpec is the manifest form of domain.Domain.
type DomainSpec struct {
	ID                        string     `json:"id" yaml:"id"`
	SharedProperties          []string   `json:"sharedProperties" yaml:"sharedProperties"`
	Actions                   []string   `json:"actions" yaml:"actions"`
	ExtensionsActions         []string   `json:"extensionsActions" yaml:"extensionsActions"`
	DefaultActionTimeoutMs    int64      `json:"defaultActionTimeoutMs" yaml:"defaultActionTimeoutMs"`
	LifecycleStages           []string   `json:"lifecycleStages" yaml:"lifecycleStages"`
	ExtensionsLifecycleStages []string   `json:"extensionsLifecycleStages" yaml:"extensionsLifecycleStages"`
	LifecycleHooks            []HookSpec `json:"lifecycleHooks" yaml:"lifecycleHooks"`
}

// ExtensionSpec is the manifest form of domain.Extension.
type ExtensionSpec struct {
	ID             string         `json:"id" yaml:"id"`
	Domain         string         `json:"domain" yaml:"domain"`
	Entry          EntrySpec      `json:"entry" yaml:"entry"`
	Presentation   map[string]any `json:"presentation" yaml:"presentation"`
	LifecycleHooks []HookSpec     `json:"lifecycleHooks" yaml:"lifecycleHooks"`
	// Mount asks Apply to mount the extension after registering it.
	Mount bool `json:"mount" yaml:"mount"`
}

// EntrySpec is the manifest form of domain.Entry.
type EntrySpec struct {
	ID       string         `json:"id" yaml:"id"`
	Manifest map[string]any `json:"manifest" yaml:"manifest"`
}

// HookSpec binds a chain to a lifecycle stage.
type HookSpec struct {
	Stage   string    `json:"stage" yaml:"stage"`
	Actions ChainSpec `json:"actions" yaml:"actions"`
}

// ChainSpec is the manifest form of domain.ActionsChain.
type ChainSpec struct {
	Action   ActionSpec `json:"action" yaml:"action"`
	Next     *ChainSpec `json:"next,omitempty" yaml:"next,omitempty"`
	Fallback *ChainSpec `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// ActionSpec is the manifest form of domain.Action.
type ActionSpec struct {
	Type      string         `json:"type" yaml:"type"`
	Target    string         `json:"target" yaml:"target"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// LoadManifest reads and validates a manifest file. Files ending in .toml are
// decoded as TOML, everything else as YAML or JSON.
func LoadManifest(path string) (*Manifest, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	parse := ParseManifest
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		parse = ParseManifestTOML
	}
	m, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes YAML, falling back to JSON, and validates the result.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		m = Manifest{}
		if jsonErr := json.Unmarshal(data, &m); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse manifest: %v", err)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	return &m, nil
}

// ParseManifestTOML decodes a TOML manifest and validates the result.
func ParseManifestTOML(data []byte) (*Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	return &m, nil
}

// Validate checks references inside the manifest. Id grammar and contract
// checks are left to the host's type system.
func (m *Manifest) Validate() error {
	var errs []error

	domains := make(map[string]DomainSpec, len(m.Domains))
	for i, d := range m.Domains {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("domains[%d]: id is required", i))
			continue
		}
		if _, dup := domains[d.ID]; dup {
			errs = append(errs, fmt.Errorf("domains[%d]: duplicate id %s", i, d.ID))
		}
		if d.DefaultActionTimeoutMs <= 0 {
			errs = append(errs, fmt.Errorf("domain %s: defaultActionTimeoutMs must be positive", d.ID))
		}
		domains[d.ID] = d
	}

	extensions := make(map[string]struct{}, len(m.Extensions))
	for i, e := range m.Extensions {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("extensions[%d]: id is required", i))
			continue
		}
		if _, dup := extensions[e.ID]; dup {
			errs = append(errs, fmt.Errorf("extensions[%d]: duplicate id %s", i, e.ID))
		}
		extensions[e.ID] = struct{}{}
		if _, ok := domains[e.Domain]; !ok {
			errs = append(errs, fmt.Errorf("extension %s: unknown domain %q%s", e.ID, e.Domain, didYouMean(e.Domain, domainIDs(m.Domains))))
		}
		if e.Entry.ID == "" {
			errs = append(errs, fmt.Errorf("extension %s: entry id is required", e.ID))
		}
	}

	for domainID, values := range m.Properties {
		d, ok := domains[domainID]
		if !ok {
			errs = append(errs, fmt.Errorf("properties: unknown domain %q%s", domainID, didYouMean(domainID, domainIDs(m.Domains))))
			continue
		}
		for propertyID := range values {
			if !d.declares(propertyID) {
				errs = append(errs, fmt.Errorf("properties: %s does not declare %s%s", domainID, propertyID, didYouMean(propertyID, d.SharedProperties)))
			}
		}
	}

	for i, s := range m.Schemas {
		if s.TypeID == "" || s.Schema == nil {
			errs = append(errs, fmt.Errorf("schemas[%d]: typeId and schema are required", i))
		}
	}
	for i, r := range m.Rules {
		if r.TypeID == "" || r.Module == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: typeId and module are required", i))
		}
	}

	return errors.Join(errs...)
}

// didYouMean suggests the candidate closest to id when it is close enough to
// be a typo. It returns an empty string otherwise.
func didYouMean(id string, candidates []string) string {
	best, bestDist := "", len(id)/5+1
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(id, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(" (did you mean %q?)", best)
}

func domainIDs(specs []DomainSpec) []string {
	ids := make([]string, 0, len(specs))
	for _, d := range specs {
		ids = append(ids, d.ID)
	}
	return ids
}

func (s DomainSpec) declares(propertyID string) bool {
	return slices.Contains(s.SharedProperties, propertyID)
}

// ToDomain converts the manifest entry to a domain definition.
func (s DomainSpec) ToDomain() domain.Domain {
	return domain.Domain{
		ID:                        s.ID,
		SharedProperties:          s.SharedProperties,
		Actions:                   s.Actions,
		ExtensionsActions:         s.ExtensionsActions,
		DefaultActionTimeout:      time.Duration(s.DefaultActionTimeoutMs) * time.Millisecond,
		LifecycleStages:           s.LifecycleStages,
		ExtensionsLifecycleStages: s.ExtensionsLifecycleStages,
		LifecycleHooks:            hooksToDomain(s.LifecycleHooks),
	}
}

// ToDomain converts the manifest entry to an extension definition.
func (s ExtensionSpec) ToDomain() domain.Extension {
	return domain.Extension{
		ID:             s.ID,
		DomainID:       s.Domain,
		Entry:          domain.Entry{ID: s.Entry.ID, Manifest: s.Entry.Manifest},
		LifecycleHooks: hooksToDomain(s.LifecycleHooks),
		Presentation:   s.Presentation,
	}
}

// ToDomain converts the manifest entry to an actions chain.
func (s ChainSpec) ToDomain() domain.ActionsChain {
	chain := domain.ActionsChain{Action: s.Action.ToDomain()}
	if s.Next != nil {
		next := s.Next.ToDomain()
		chain.Next = &next
	}
	if s.Fallback != nil {
		fallback := s.Fallback.ToDomain()
		chain.Fallback = &fallback
	}
	return chain
}

// ToDomain converts the manifest entry to an action.
func (s ActionSpec) ToDomain() domain.Action {
	return domain.Action{
		Type:    s.Type,
		Target:  s.Target,
		Payload: s.Payload,
		Timeout: time.Duration(s.TimeoutMs) * time.Millisecond,
	}
}

func hooksToDomain(specs []HookSpec) []domain.LifecycleHook {
	if len(specs) == 0 {
		return nil
	}
	hooks := make([]domain.LifecycleHook, len(specs))
	for i, spec := range specs {
		hooks[i] = domain.LifecycleHook{Stage: spec.Stage, Actions: spec.Actions.ToDomain()}
	}
	return hooks
}
