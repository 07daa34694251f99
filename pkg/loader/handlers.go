package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-extensions/pkg/domain"
)

// LoadFunc loads the lifecycle of an entry.
type LoadFunc func(ctx context.Context, entry domain.Entry) (domain.Lifecycle, error)

// TypedHandler handles every entry whose type derives from a base type id.
type TypedHandler struct {
	types      domain.TypeSystem
	baseTypeID string
	priority   int
	load       LoadFunc
}

var _ domain.LoadHandler = (*TypedHandler)(nil)

// NewTypedHandler creates a handler for entries derived from baseTypeID.
func NewTypedHandler(types domain.TypeSystem, baseTypeID string, priority int, load LoadFunc) (*TypedHandler, error) {
	if types == nil {
		return nil, fmt.Errorf("typed handler requires a type system")
	}
	if load == nil {
		return nil, fmt.Errorf("typed handler for %s requires a load function", baseTypeID)
	}
	if !domain.IsTypeID(baseTypeID) || !types.IsValidTypeID(baseTypeID) {
		return nil, fmt.Errorf("typed handler base %q is not a type id", baseTypeID)
	}
	return &TypedHandler{
		types:      types,
		baseTypeID: baseTypeID,
		priority:   priority,
		load:       load,
	}, nil
}

// Priority returns the handler priority.
func (h *TypedHandler) Priority() int { return h.priority }

// CanHandle reports whether entryTypeID derives from the handler's base type.
func (h *TypedHandler) CanHandle(entryTypeID string) bool {
	return h.types.IsTypeOf(entryTypeID, h.baseTypeID)
}

// Load runs the load function and rejects nil lifecycles.
func (h *TypedHandler) Load(ctx context.Context, entry domain.Entry) (domain.Lifecycle, error) {
	lifecycle, err := h.load(ctx, domain.Entry{ID: entry.ID, Manifest: domain.CloneMap(entry.Manifest)})
	if err != nil {
		return nil, err
	}
	if lifecycle == nil {
		return nil, fmt.Errorf("%w: %s returned no lifecycle", domain.ErrLoadFailed, entry.ID)
	}
	return lifecycle, nil
}

// StaticHandler serves lifecycles registered ahead of time by entry id.
type StaticHandler struct {
	priority int

	mu         sync.RWMutex
	lifecycles map[string]domain.Lifecycle
}

var _ domain.LoadHandler = (*StaticHandler)(nil)

// NewStaticHandler creates an empty StaticHandler.
func NewStaticHandler(priority int) *StaticHandler {
	return &StaticHandler{
		priority:   priority,
		lifecycles: make(map[string]domain.Lifecycle),
	}
}

// Add registers lifecycle under entryID, replacing any previous one.
func (h *StaticHandler) Add(entryID string, lifecycle domain.Lifecycle) error {
	if lifecycle == nil {
		return fmt.Errorf("static handler: nil lifecycle for %s", entryID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lifecycles[entryID] = lifecycle
	return nil
}

// Priority returns the handler priority.
func (h *StaticHandler) Priority() int { return h.priority }

// CanHandle reports whether any registered entry has type entryTypeID.
func (h *StaticHandler) CanHandle(entryTypeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for entryID := range h.lifecycles {
		if domain.TypeIDOf(entryID) == entryTypeID {
			return true
		}
	}
	return false
}

// Load returns the lifecycle registered for the entry.
func (h *StaticHandler) Load(_ context.Context, entry domain.Entry) (domain.Lifecycle, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	lifecycle, ok := h.lifecycles[entry.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no static lifecycle for %s", domain.ErrLoadFailed, entry.ID)
	}
	return lifecycle, nil
}

// Funcs adapts a pair of functions to domain.Lifecycle. Nil functions are no-ops.
type Funcs struct {
	MountFunc   func(ctx context.Context, container domain.Container, bridge domain.MountBridge) error
	UnmountFunc func(ctx context.Context, container domain.Container) error
}

var _ domain.Lifecycle = Funcs{}

// Mount calls MountFunc.
func (f Funcs) Mount(ctx context.Context, container domain.Container, bridge domain.MountBridge) error {
	if f.MountFunc == nil {
		return nil
	}
	return f.MountFunc(ctx, container, bridge)
}

// Unmount calls UnmountFunc.
func (f Funcs) Unmount(ctx context.Context, container domain.Container) error {
	if f.UnmountFunc == nil {
		return nil
	}
	return f.UnmountFunc(ctx, container)
}

// InertLifecycle returns a lifecycle that only logs mount transitions. The
// CLI uses it for manifests whose entries have no in-process code.
func InertLifecycle(logger *slog.Logger, entryID string) domain.Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return Funcs{
		MountFunc: func(ctx context.Context, _ domain.Container, bridge domain.MountBridge) error {
			logger.InfoContext(ctx, "extension mounted",
				"entry_id", entryID,
				"extension_id", bridge.ExtensionID(),
				"domain_id", bridge.DomainID(),
			)
			return nil
		},
		UnmountFunc: func(ctx context.Context, _ domain.Container) error {
			logger.InfoContext(ctx, "extension unmounted", "entry_id", entryID)
			return nil
		},
	}
}
