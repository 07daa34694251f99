// Package bridge connects a mounted extension to its host.
//
// Every mount gets a pair: the ParentBridge stays with the host, the
// ChildBridge is handed to the extension's lifecycle. The pair forwards
// shared-property changes down to the child and actions chains in both
// directions. Values crossing the pair are deep copies.
package bridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/registry"
)

// ChildDomainRegistrar receives nested domains registered by a mounted extension.
type ChildDomainRegistrar interface {
	RegisterChildDomain(ctx context.Context, d domain.Domain, containers domain.ContainerProvider) error
	UnregisterChildDomain(ctx context.Context, domainID string) error
}

// PropertySubscription records one fan-out registration made on behalf of a
// bridge so it can be removed when the bridge goes away.
type PropertySubscription struct {
	DomainID       string
	PropertyID     string
	SubscriptionID registry.SubscriptionID
}

// ParentBridge is the host-facing half of a bridge pair.
type ParentBridge struct {
	id          string
	domainID    string
	extensionID string
	child       *ChildBridge
	logger      *slog.Logger
	metrics     *Metrics

	mu            sync.Mutex
	disposed      bool
	childHandler  domain.ActionsChainHandler
	childDomains  ChildDomainRegistrar
	subscriptions []PropertySubscription
	release       func()
}

// ChildBridge is the extension-facing half of a bridge pair. It implements
// domain.MountBridge.
type ChildBridge struct {
	parent *ParentBridge

	mu           sync.RWMutex
	properties   map[string]any
	versions     map[string]uint64
	subscribers  map[string]map[uint64]func(domain.SharedProperty)
	nextSubID    uint64
	chainHandler domain.ActionsChainHandler
}

var _ domain.MountBridge = (*ChildBridge)(nil)

// NewPair wires a connected parent/child pair.
func NewPair(id, domainID, extensionID string, logger *slog.Logger, metrics *Metrics) (*ParentBridge, *ChildBridge) {
	if logger == nil {
		logger = slog.Default()
	}
	parent := &ParentBridge{
		id:          id,
		domainID:    domainID,
		extensionID: extensionID,
		logger:      logger,
		metrics:     metrics,
	}
	child := newChild(parent)
	parent.child = child
	return parent, child
}

// NewDetachedChild returns a child bridge with no transport behind it. Every
// outbound call fails with domain.ErrBridgeNotConnected.
func NewDetachedChild() *ChildBridge {
	return newChild(nil)
}

func newChild(parent *ParentBridge) *ChildBridge {
	return &ChildBridge{
		parent:      parent,
		properties:  make(map[string]any),
		versions:    make(map[string]uint64),
		subscribers: make(map[string]map[uint64]func(domain.SharedProperty)),
	}
}

// ID returns the bridge pair id.
func (p *ParentBridge) ID() string { return p.id }

// DomainID returns the domain the extension is mounted into.
func (p *ParentBridge) DomainID() string { return p.domainID }

// ExtensionID returns the mounted extension id.
func (p *ParentBridge) ExtensionID() string { return p.extensionID }

// Child returns the extension-facing half.
func (p *ParentBridge) Child() *ChildBridge { return p.child }

// Disposed reports whether Dispose has run.
func (p *ParentBridge) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// OnChildAction binds the handler for chains originated by the extension.
func (p *ParentBridge) OnChildAction(handler domain.ActionsChainHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.childHandler = handler
}

// OnChildDomain binds the registrar for nested domains declared by the extension.
func (p *ParentBridge) OnChildDomain(registrar ChildDomainRegistrar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.childDomains = registrar
}

// HandleChildAction runs a chain originated by the child through the bound
// handler.
func (p *ParentBridge) HandleChildAction(ctx context.Context, chain domain.ActionsChain) (domain.ChainResult, error) {
	p.mu.Lock()
	disposed, handler := p.disposed, p.childHandler
	p.mu.Unlock()

	if disposed {
		return domain.ChainResult{}, p.fail("handle_child_action", domain.ErrBridgeDisposed)
	}
	if handler == nil {
		p.metrics.RecordChildChain(p.domainID, chainStatusRejected, 0)
		return domain.ChainResult{}, p.fail("handle_child_action", domain.ErrNoActionHandler)
	}

	start := time.Now()
	result, err := handler(ctx, chain.Clone())
	status := chainStatusCompleted
	if err != nil || !result.Completed {
		status = chainStatusFailed
	}
	p.metrics.RecordChildChain(p.domainID, status, time.Since(start))
	return result, err
}

// SendActionsChain delivers a host-originated chain to the child's handler.
func (p *ParentBridge) SendActionsChain(ctx context.Context, chain domain.ActionsChain) (domain.ChainResult, error) {
	p.mu.Lock()
	disposed, child := p.disposed, p.child
	p.mu.Unlock()

	if disposed {
		return domain.ChainResult{}, p.fail("send_actions_chain", domain.ErrBridgeDisposed)
	}
	if child == nil {
		return domain.ChainResult{}, p.fail("send_actions_chain", domain.ErrBridgeNotConnected)
	}

	child.mu.RLock()
	handler := child.chainHandler
	child.mu.RUnlock()
	if handler == nil {
		return domain.ChainResult{}, p.fail("send_actions_chain", domain.ErrNoActionHandler)
	}
	return handler(ctx, chain.Clone())
}

// ReceivePropertyUpdate forwards an unversioned property change to the child.
func (p *ParentBridge) ReceivePropertyUpdate(propertyID string, value any) {
	p.ReceiveProperty(domain.SharedProperty{ID: propertyID, Value: value})
}

// ReceiveProperty forwards a domain property change to the child cache and
// its subscribers. Updates after disposal are dropped, and so are versioned
// updates no newer than the value the child already holds.
func (p *ParentBridge) ReceiveProperty(prop domain.SharedProperty) {
	p.mu.Lock()
	disposed, child := p.disposed, p.child
	p.mu.Unlock()

	if disposed || child == nil {
		p.metrics.RecordPropertyUpdate(p.domainID, updateStatusDropped)
		return
	}
	if !child.deliver(prop) {
		p.metrics.RecordPropertyUpdate(p.domainID, updateStatusStale)
		return
	}
	p.metrics.RecordPropertyUpdate(p.domainID, updateStatusDelivered)
}

// RegisterPropertySubscriber records a domain subscription made for this bridge.
func (p *ParentBridge) RegisterPropertySubscriber(sub PropertySubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions = append(p.subscriptions, sub)
}

// PropertySubscribers returns the recorded domain subscriptions.
func (p *ParentBridge) PropertySubscribers() []PropertySubscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PropertySubscription, len(p.subscriptions))
	copy(out, p.subscriptions)
	return out
}

// Dispose tears the pair down and drops the domain subscriptions made for it
// by the Factory that created it. It is idempotent.
func (p *ParentBridge) Dispose() {
	p.dispose()
}

// setRelease installs the function run once by the first dispose.
func (p *ParentBridge) setRelease(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release = fn
}

// dispose reports whether this call performed the teardown.
func (p *ParentBridge) dispose() bool {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return false
	}
	p.disposed = true
	p.childHandler = nil
	p.childDomains = nil
	child, release := p.child, p.release
	p.release = nil
	p.mu.Unlock()

	if release != nil {
		release()
	}
	if child != nil {
		child.reset()
	}
	p.logger.Debug("bridge disposed",
		"bridge_id", p.id,
		"domain_id", p.domainID,
		"extension_id", p.extensionID,
	)
	return true
}

func (p *ParentBridge) fail(op string, err error) error {
	return &domain.BridgeError{BridgeID: p.id, Op: op, Err: err}
}

// ExtensionID returns the id of the extension holding this bridge.
func (c *ChildBridge) ExtensionID() string {
	if c.parent == nil {
		return ""
	}
	return c.parent.extensionID
}

// DomainID returns the id of the domain the extension is mounted into.
func (c *ChildBridge) DomainID() string {
	if c.parent == nil {
		return ""
	}
	return c.parent.domainID
}

// ExecuteActionsChain sends a chain to the host. It is the child's only
// outbound entry point.
func (c *ChildBridge) ExecuteActionsChain(ctx context.Context, chain domain.ActionsChain) (domain.ChainResult, error) {
	if c.parent == nil {
		return domain.ChainResult{}, &domain.BridgeError{Op: "execute_actions_chain", Err: domain.ErrBridgeNotConnected}
	}
	return c.parent.HandleChildAction(ctx, chain)
}

// OnActionsChain binds the handler for chains sent by the host.
func (c *ChildBridge) OnActionsChain(handler domain.ActionsChainHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainHandler = handler
}

// Property returns a copy of the cached property value.
func (c *ChildBridge) Property(propertyID string) (domain.SharedProperty, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.properties[propertyID]
	if !ok {
		return domain.SharedProperty{}, false
	}
	return domain.SharedProperty{ID: propertyID, Value: domain.CloneValue(value), Version: c.versions[propertyID]}, true
}

// SubscribeToProperty registers fn for changes of propertyID. The returned
// function removes the subscription and may be called more than once.
func (c *ChildBridge) SubscribeToProperty(propertyID string, fn func(domain.SharedProperty)) func() {
	if fn == nil {
		return func() {}
	}

	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	set, ok := c.subscribers[propertyID]
	if !ok {
		set = make(map[uint64]func(domain.SharedProperty))
		c.subscribers[propertyID] = set
	}
	set[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if set, ok := c.subscribers[propertyID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(c.subscribers, propertyID)
				}
			}
		})
	}
}

// SubscriberCount returns the number of child-side subscribers of propertyID.
func (c *ChildBridge) SubscriberCount(propertyID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers[propertyID])
}

// RegisterChildDomain asks the host to register a domain owned by this extension.
func (c *ChildBridge) RegisterChildDomain(ctx context.Context, d domain.Domain, containers domain.ContainerProvider) error {
	registrar, err := c.registrar("register_child_domain")
	if err != nil {
		return err
	}
	return registrar.RegisterChildDomain(ctx, d.Clone(), containers)
}

// UnregisterChildDomain asks the host to remove a domain registered through
// RegisterChildDomain.
func (c *ChildBridge) UnregisterChildDomain(ctx context.Context, domainID string) error {
	registrar, err := c.registrar("unregister_child_domain")
	if err != nil {
		return err
	}
	return registrar.UnregisterChildDomain(ctx, domainID)
}

func (c *ChildBridge) registrar(op string) (ChildDomainRegistrar, error) {
	if c.parent == nil {
		return nil, &domain.BridgeError{Op: op, Err: domain.ErrBridgeNotConnected}
	}
	p := c.parent
	p.mu.Lock()
	disposed, registrar := p.disposed, p.childDomains
	p.mu.Unlock()
	if disposed {
		return nil, p.fail(op, domain.ErrBridgeDisposed)
	}
	if registrar == nil {
		return nil, p.fail(op, domain.ErrNoActionHandler)
	}
	return registrar, nil
}

// seed stores a snapshot value taken at version unless a newer update
// already arrived.
func (c *ChildBridge) seed(propertyID string, value any, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.properties[propertyID]; ok && c.versions[propertyID] >= version {
		return
	}
	c.properties[propertyID] = domain.CloneValue(value)
	c.versions[propertyID] = version
}

// deliver caches prop and notifies subscribers. It reports false when prop is
// versioned and not newer than the cached value.
func (c *ChildBridge) deliver(prop domain.SharedProperty) bool {
	stored := domain.CloneValue(prop.Value)

	c.mu.Lock()
	if prop.Version != 0 {
		if prop.Version <= c.versions[prop.ID] {
			c.mu.Unlock()
			return false
		}
		c.versions[prop.ID] = prop.Version
	}
	c.properties[prop.ID] = stored
	set := c.subscribers[prop.ID]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(domain.SharedProperty), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(domain.SharedProperty{ID: prop.ID, Value: domain.CloneValue(stored), Version: prop.Version})
	}
	return true
}

func (c *ChildBridge) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = make(map[string]map[uint64]func(domain.SharedProperty))
	c.chainHandler = nil
}
