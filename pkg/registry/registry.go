// Package registry stores domain and extension definitions together with the
// live shared-property values of each domain and the subscribers that receive
// property changes.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-extensions/pkg/domain"
)

// SubscriptionID identifies one property subscription.
type SubscriptionID uint64

// PropertySubscriber receives property changes. It runs synchronously on the
// goroutine performing the update and must not block.
type PropertySubscriber func(property domain.SharedProperty)

type domainEntry struct {
	definition  domain.Domain
	version     uint64
	properties  map[string]any
	subscribers map[string]map[SubscriptionID]PropertySubscriber
}

// Registry is an in-memory store of domains and extensions.
type Registry struct {
	mu         sync.RWMutex
	domains    map[string]*domainEntry
	extensions map[string]domain.Extension
	nextSubID  atomic.Uint64
	logger     *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		domains:    make(map[string]*domainEntry),
		extensions: make(map[string]domain.Extension),
		logger:     logger,
	}
}

// RegisterDomain stores d with empty property and subscriber maps. Registering
// an id twice is rejected.
func (r *Registry) RegisterDomain(d domain.Domain) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.domains[d.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDomainExists, d.ID)
	}
	r.domains[d.ID] = &domainEntry{
		definition:  d.Clone(),
		properties:  make(map[string]any),
		subscribers: make(map[string]map[SubscriptionID]PropertySubscriber),
	}
	r.logger.Debug("domain registered", "domain_id", d.ID)
	return nil
}

// UnregisterDomain removes the domain, its values and subscriber sets. It
// refuses while extensions of the domain are registered.
func (r *Registry) UnregisterDomain(domainID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.domains[domainID]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrDomainNotFound, domainID)
	}
	for _, ext := range r.extensions {
		if ext.DomainID == domainID {
			return fmt.Errorf("%w: %s (extension %s)", domain.ErrDomainHasExtensions, domainID, ext.ID)
		}
	}
	delete(r.domains, domainID)
	r.logger.Debug("domain unregistered", "domain_id", domainID)
	return nil
}

// Domain returns a copy of the domain definition.
func (r *Registry) Domain(domainID string) (domain.Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.domains[domainID]
	if !ok {
		return domain.Domain{}, false
	}
	return entry.definition.Clone(), true
}

// DomainIDs returns the registered domain ids in sorted order.
func (r *Registry) DomainIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.domains))
	for id := range r.domains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DomainState returns the definition and a copy of the live property map.
func (r *Registry) DomainState(domainID string) (domain.DomainState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.domains[domainID]
	if !ok {
		return domain.DomainState{}, false
	}
	return domain.DomainState{
		Domain:     entry.definition.Clone(),
		Properties: domain.CloneMap(entry.properties),
		Version:    entry.version,
	}, true
}

// UpdateDomainProperty stores value and synchronously notifies every
// subscriber of the (domain, property) pair.
func (r *Registry) UpdateDomainProperty(domainID, propertyID string, value any) error {
	return r.UpdateDomainProperties(domainID, map[string]any{propertyID: value})
}

// UpdateDomainProperties applies several property values at once. Every
// property is checked before any value is written. Each call bumps the
// domain version and stamps the delivered values with it.
func (r *Registry) UpdateDomainProperties(domainID string, values map[string]any) error {
	r.mu.Lock()
	entry, ok := r.domains[domainID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDomainNotFound, domainID)
	}
	for propertyID := range values {
		if !entry.definition.DeclaresProperty(propertyID) {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s on %s", domain.ErrPropertyNotDeclared, propertyID, domainID)
		}
	}

	type delivery struct {
		property    domain.SharedProperty
		subscribers []PropertySubscriber
	}
	entry.version++
	version := entry.version
	deliveries := make([]delivery, 0, len(values))
	for _, propertyID := range sortedKeys(values) {
		stored := domain.CloneValue(values[propertyID])
		entry.properties[propertyID] = stored
		subs := make([]PropertySubscriber, 0, len(entry.subscribers[propertyID]))
		for _, id := range sortedSubscriptionIDs(entry.subscribers[propertyID]) {
			subs = append(subs, entry.subscribers[propertyID][id])
		}
		deliveries = append(deliveries, delivery{
			property:    domain.SharedProperty{ID: propertyID, Value: stored, Version: version},
			subscribers: subs,
		})
	}
	r.mu.Unlock()

	for _, d := range deliveries {
		for _, notify := range d.subscribers {
			notify(domain.SharedProperty{ID: d.property.ID, Value: domain.CloneValue(d.property.Value), Version: d.property.Version})
		}
	}
	return nil
}

// Subscribe adds fn to the subscriber set of (domainID, propertyID).
func (r *Registry) Subscribe(domainID, propertyID string, fn PropertySubscriber) (SubscriptionID, error) {
	if fn == nil {
		return 0, fmt.Errorf("subscribe %s/%s: nil subscriber", domainID, propertyID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.domains[domainID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrDomainNotFound, domainID)
	}
	if !entry.definition.DeclaresProperty(propertyID) {
		return 0, fmt.Errorf("%w: %s on %s", domain.ErrPropertyNotDeclared, propertyID, domainID)
	}

	id := SubscriptionID(r.nextSubID.Add(1))
	set, ok := entry.subscribers[propertyID]
	if !ok {
		set = make(map[SubscriptionID]PropertySubscriber)
		entry.subscribers[propertyID] = set
	}
	set[id] = fn
	return id, nil
}

// Unsubscribe removes a subscription. Unknown domains or ids are ignored so
// teardown can run after the domain is gone.
func (r *Registry) Unsubscribe(domainID, propertyID string, id SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.domains[domainID]
	if !ok {
		return
	}
	set := entry.subscribers[propertyID]
	delete(set, id)
	if len(set) == 0 {
		delete(entry.subscribers, propertyID)
	}
}

// SubscriberCount returns the size of the subscriber set of (domainID, propertyID).
func (r *Registry) SubscriberCount(domainID, propertyID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.domains[domainID]
	if !ok {
		return 0
	}
	return len(entry.subscribers[propertyID])
}

// RegisterExtension stores ext. The owning domain must exist and the id must
// be new.
func (r *Registry) RegisterExtension(ext domain.Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.extensions[ext.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrExtensionExists, ext.ID)
	}
	if _, ok := r.domains[ext.DomainID]; !ok {
		return fmt.Errorf("%w: %s (extension %s)", domain.ErrDomainNotFound, ext.DomainID, ext.ID)
	}
	r.extensions[ext.ID] = ext.Clone()
	r.logger.Debug("extension registered", "extension_id", ext.ID, "domain_id", ext.DomainID)
	return nil
}

// UnregisterExtension removes the extension definition.
func (r *Registry) UnregisterExtension(extensionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.extensions[extensionID]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrExtensionNotFound, extensionID)
	}
	delete(r.extensions, extensionID)
	r.logger.Debug("extension unregistered", "extension_id", extensionID)
	return nil
}

// Extension returns a copy of the extension definition.
func (r *Registry) Extension(extensionID string) (domain.Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.extensions[extensionID]
	if !ok {
		return domain.Extension{}, false
	}
	return ext.Clone(), true
}

// ExtensionsForDomain returns the ids of the domain's extensions in sorted order.
func (r *Registry) ExtensionsForDomain(domainID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, ext := range r.extensions {
		if ext.DomainID == domainID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSubscriptionIDs(set map[SubscriptionID]PropertySubscriber) []SubscriptionID {
	ids := make([]SubscriptionID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
