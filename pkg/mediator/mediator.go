// Package mediator executes actions chains against domain and extension
// handlers.
//
// A chain runs link by link under one overall deadline. Each action is
// registered with and validated by the type system, checked against the
// target domain's declared actions, and handed to the resolved handler while
// racing its own timeout. Successful actions continue with Next, failed or
// timed-out ones with Fallback. Validation and support failures end the chain
// immediately without consulting Fallback.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/telemetry"
)

const (
	// DefaultChainTimeout bounds a whole chain when no override is given.
	DefaultChainTimeout = 120 * time.Second
	// DefaultMaxChainDepth bounds Next/Fallback recursion.
	DefaultMaxChainDepth = 64
)

// DomainResolver looks up registered domain definitions.
type DomainResolver interface {
	Domain(domainID string) (domain.Domain, bool)
}

// Config holds dependencies for creating a Mediator.
type Config struct {
	TypeSystem    domain.TypeSystem
	Domains       DomainResolver
	Logger        *slog.Logger
	ChainTimeout  time.Duration
	MaxChainDepth int
}

type extensionRegistration struct {
	domainID string
	entryID  string
	handler  domain.ActionHandler
}

// Mediator routes actions chains to registered handlers.
type Mediator struct {
	typeSystem   domain.TypeSystem
	domains      DomainResolver
	logger       *slog.Logger
	chainTimeout time.Duration
	maxDepth     int
	tracer       trace.Tracer

	mu                sync.Mutex
	domainHandlers    map[string]domain.ActionHandler
	extensionHandlers map[string]extensionRegistration
	pending           map[string]map[uint64]struct{}
	callSeq           atomic.Uint64
}

// New creates a Mediator with the given configuration.
func New(cfg Config) (*Mediator, error) {
	if cfg.TypeSystem == nil {
		return nil, errors.New("mediator requires a type system")
	}
	if cfg.Domains == nil {
		return nil, errors.New("mediator requires a domain resolver")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chainTimeout := cfg.ChainTimeout
	if chainTimeout <= 0 {
		chainTimeout = DefaultChainTimeout
	}
	maxDepth := cfg.MaxChainDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxChainDepth
	}

	return &Mediator{
		typeSystem:        cfg.TypeSystem,
		domains:           cfg.Domains,
		logger:            logger,
		chainTimeout:      chainTimeout,
		maxDepth:          maxDepth,
		tracer:            otel.Tracer("polis.extensions.mediator"),
		domainHandlers:    make(map[string]domain.ActionHandler),
		extensionHandlers: make(map[string]extensionRegistration),
		pending:           make(map[string]map[uint64]struct{}),
	}, nil
}

// RegisterDomainHandler binds handler to actions targeting domainID.
func (m *Mediator) RegisterDomainHandler(domainID string, handler domain.ActionHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler for domain %s", domain.ErrInvalidHandler, domainID)
	}
	if !m.typeSystem.IsValidTypeID(domainID) {
		return fmt.Errorf("%w: invalid domain id %q", domain.ErrInvalidHandler, domainID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.domainHandlers[domainID]; exists {
		return fmt.Errorf("%w: domain %s", domain.ErrHandlerExists, domainID)
	}
	m.domainHandlers[domainID] = handler
	return nil
}

// RegisterExtensionHandler binds handler to actions targeting extensionID.
// domainID names the owning domain and supplies the default action timeout.
func (m *Mediator) RegisterExtensionHandler(extensionID, domainID, entryID string, handler domain.ActionHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler for extension %s", domain.ErrInvalidHandler, extensionID)
	}
	for _, id := range []string{extensionID, domainID} {
		if !m.typeSystem.IsValidTypeID(id) {
			return fmt.Errorf("%w: invalid id %q", domain.ErrInvalidHandler, id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.extensionHandlers[extensionID]; exists {
		return fmt.Errorf("%w: extension %s", domain.ErrHandlerExists, extensionID)
	}
	m.extensionHandlers[extensionID] = extensionRegistration{
		domainID: domainID,
		entryID:  entryID,
		handler:  handler,
	}
	return nil
}

// UnregisterDomainHandler removes the domain's handler. It fails with a
// *domain.PendingActionsError while actions targeting the domain are in flight.
func (m *Mediator) UnregisterDomainHandler(domainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.pending[domainID]); n > 0 {
		return &domain.PendingActionsError{TargetID: domainID, Count: n}
	}
	delete(m.domainHandlers, domainID)
	return nil
}

// UnregisterExtensionHandler removes the extension's handler. It fails with a
// *domain.PendingActionsError while actions targeting the extension are in flight.
func (m *Mediator) UnregisterExtensionHandler(extensionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.pending[extensionID]); n > 0 {
		return &domain.PendingActionsError{TargetID: extensionID, Count: n}
	}
	delete(m.extensionHandlers, extensionID)
	return nil
}

// PendingCount returns the number of in-flight actions for targetID.
func (m *Mediator) PendingCount(targetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[targetID])
}

// MaxDepth returns the number of links after which a chain is abandoned.
func (m *Mediator) MaxDepth() int { return m.maxDepth }

// HasHandler reports whether a domain or extension handler is bound to targetID.
func (m *Mediator) HasHandler(targetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domainHandlers[targetID]; ok {
		return true
	}
	_, ok := m.extensionHandlers[targetID]
	return ok
}

// track adds a call to targetID's pending set and returns its release func.
func (m *Mediator) track(ctx context.Context, targetID string) func() {
	id := m.callSeq.Add(1)

	m.mu.Lock()
	set, ok := m.pending[targetID]
	if !ok {
		set = make(map[uint64]struct{})
		m.pending[targetID] = set
	}
	set[id] = struct{}{}
	m.mu.Unlock()
	telemetry.AddPendingActions(ctx, targetID, 1)

	return func() {
		m.mu.Lock()
		if set, ok := m.pending[targetID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.pending, targetID)
			}
		}
		m.mu.Unlock()
		telemetry.AddPendingActions(context.WithoutCancel(ctx), targetID, -1)
	}
}

// resolvedTarget is the outcome of looking up an action's target.
type resolvedTarget struct {
	handler    domain.ActionHandler
	owner      domain.Domain
	ownerFound bool
	isDomain   bool
}

// resolveTarget finds the handler for targetID, preferring domain handlers,
// and the domain that owns the target.
func (m *Mediator) resolveTarget(targetID string) resolvedTarget {
	var rt resolvedTarget
	if d, ok := m.domains.Domain(targetID); ok {
		rt.owner, rt.ownerFound, rt.isDomain = d, true, true
	}

	ownerID := ""
	m.mu.Lock()
	if h, ok := m.domainHandlers[targetID]; ok {
		rt.handler = h
	} else if reg, ok := m.extensionHandlers[targetID]; ok {
		rt.handler = reg.handler
		ownerID = reg.domainID
	}
	m.mu.Unlock()

	if !rt.ownerFound && ownerID != "" && m.typeSystem.IsValidTypeID(ownerID) {
		rt.owner, rt.ownerFound = m.domains.Domain(ownerID)
	}
	return rt
}
