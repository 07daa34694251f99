// Package host is the facade applications use to run extensions. It composes
// the registry, the bridge factory and the mediator, serves the lifecycle
// actions of every domain, and delegates entry loading to injected load
// handlers.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-extensions/internal/governance"
	"github.com/polisai/polis-extensions/pkg/bridge"
	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/mediator"
	"github.com/polisai/polis-extensions/pkg/registry"
)

// Config holds dependencies for creating a Host.
type Config struct {
	// TypeSystem validates definitions and actions. Required.
	TypeSystem   domain.TypeSystem
	LoadHandlers []domain.LoadHandler
	Logger       *slog.Logger
	// Timeouts bounds chains, loads and mounts. Zero fields take defaults.
	Timeouts      governance.TimeoutConfig
	MaxChainDepth int
	BridgeMetrics *bridge.Metrics
}

type domainRuntime struct {
	containers domain.ContainerProvider
	// owner is the extension that registered this domain through its bridge.
	owner string
}

type mountState int

const (
	mountMounting mountState = iota
	mountMounted
	mountUnmounting
)

type mountRecord struct {
	state     mountState
	domainID  string
	lifecycle domain.Lifecycle
	container domain.Container
	parent    *bridge.ParentBridge
}

// Host runs domains and their extensions.
type Host struct {
	types    domain.TypeSystem
	registry *registry.Registry
	mediator *mediator.Mediator
	bridges  *bridge.Factory
	logger   *slog.Logger
	timeouts governance.TimeoutConfig
	tracer   trace.Tracer

	mu         sync.Mutex
	handlers   []domain.LoadHandler
	domains    map[string]*domainRuntime
	lifecycles map[string]domain.Lifecycle
	mounts     map[string]*mountRecord
	closed     bool
}

// New creates a Host.
func New(cfg Config) (*Host, error) {
	if cfg.TypeSystem == nil {
		return nil, errors.New("host requires a type system")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := cfg.Timeouts.WithDefaults()

	reg := registry.New(logger)
	med, err := mediator.New(mediator.Config{
		TypeSystem:    cfg.TypeSystem,
		Domains:       reg,
		Logger:        logger,
		ChainTimeout:  timeouts.ChainTimeout,
		MaxChainDepth: cfg.MaxChainDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("create mediator: %w", err)
	}
	factory, err := bridge.NewFactory(bridge.FactoryConfig{
		Properties: reg,
		Metrics:    cfg.BridgeMetrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create bridge factory: %w", err)
	}

	h := &Host{
		types:      cfg.TypeSystem,
		registry:   reg,
		mediator:   med,
		bridges:    factory,
		logger:     logger,
		timeouts:   timeouts,
		tracer:     otel.Tracer("polis.extensions.host"),
		domains:    make(map[string]*domainRuntime),
		lifecycles: make(map[string]domain.Lifecycle),
		mounts:     make(map[string]*mountRecord),
	}
	for _, lh := range cfg.LoadHandlers {
		if err := h.AddLoadHandler(lh); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// AddLoadHandler makes handler a candidate for future loads.
func (h *Host) AddLoadHandler(handler domain.LoadHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil load handler", domain.ErrInvalidHandler)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
	sort.SliceStable(h.handlers, func(i, j int) bool {
		return h.handlers[i].Priority() > h.handlers[j].Priority()
	})
	return nil
}

// ExecuteActionsChain runs chain through the mediator. Host code and mounted
// extensions share this entry point.
func (h *Host) ExecuteActionsChain(ctx context.Context, chain domain.ActionsChain, opts ...mediator.ExecuteOption) domain.ChainResult {
	return h.mediator.ExecuteActionsChain(ctx, chain, opts...)
}

// UpdateDomainProperty sets one shared property and notifies every mounted
// extension of the domain.
func (h *Host) UpdateDomainProperty(domainID, propertyID string, value any) error {
	return h.registry.UpdateDomainProperty(domainID, propertyID, value)
}

// UpdateDomainProperties sets several shared properties at once.
func (h *Host) UpdateDomainProperties(domainID string, values map[string]any) error {
	return h.registry.UpdateDomainProperties(domainID, values)
}

// DomainState returns a snapshot of a registered domain.
func (h *Host) DomainState(domainID string) (domain.DomainState, bool) {
	return h.registry.DomainState(domainID)
}

// DomainIDs returns the registered domain ids in sorted order.
func (h *Host) DomainIDs() []string {
	return h.registry.DomainIDs()
}

// Extension returns a registered extension definition.
func (h *Host) Extension(extensionID string) (domain.Extension, bool) {
	return h.registry.Extension(extensionID)
}

// ExtensionsForDomain returns the extensions registered against domainID.
func (h *Host) ExtensionsForDomain(domainID string) []string {
	return h.registry.ExtensionsForDomain(domainID)
}

// MountedExtensions returns the mounted extension ids of domainID in sorted order.
func (h *Host) MountedExtensions(domainID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, rec := range h.mounts {
		if rec.domainID == domainID && rec.state == mountMounted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PendingActions returns the number of in-flight actions targeting targetID.
func (h *Host) PendingActions(targetID string) int {
	return h.mediator.PendingCount(targetID)
}

// Close unregisters every domain, unmounting extensions on the way. The host
// rejects new registrations afterwards.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var errs []error
	for _, domainID := range h.registry.DomainIDs() {
		if _, ok := h.registry.Domain(domainID); !ok {
			// Removed by an earlier cascade.
			continue
		}
		if err := h.UnregisterDomain(ctx, domainID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Host) containers(domainID string) domain.ContainerProvider {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rt, ok := h.domains[domainID]; ok {
		return rt.containers
	}
	return nil
}
