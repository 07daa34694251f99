package domain

import "context"

// Instance is a typed value registered with the type system under ID.
type Instance struct {
	ID   string
	Body map[string]any
}

// ValidationResult reports the outcome of instance validation.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// TypeSystem is the contract-validation port consumed by the runtime.
type TypeSystem interface {
	// IsValidTypeID reports whether id is a well-formed type or instance id.
	IsValidTypeID(id string) bool
	// RegisterSchema registers a JSON schema document for a type id.
	RegisterSchema(typeID string, schema map[string]any) error
	// Register stores an instance for later validation, replacing any
	// instance previously registered under the same id.
	Register(instance Instance) error
	// ValidateInstance validates the instance registered under id against
	// every schema registered along its type chain.
	ValidateInstance(id string) ValidationResult
	// IsTypeOf reports whether id derives from baseTypeID.
	IsTypeOf(id, baseTypeID string) bool
}

// ActionHandler receives actions routed by the mediator. The context carries
// the resolved deadline for the action.
type ActionHandler interface {
	HandleAction(ctx context.Context, action Action) error
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, action Action) error

// HandleAction calls f(ctx, action).
func (f ActionHandlerFunc) HandleAction(ctx context.Context, action Action) error {
	return f(ctx, action)
}

// ActionsChainHandler receives whole chains crossing a bridge.
type ActionsChainHandler func(ctx context.Context, chain ActionsChain) (ChainResult, error)

// Container is an opaque mount surface. The runtime never inspects it.
type Container any

// ContainerProvider hands out mount surfaces for a domain.
type ContainerProvider interface {
	Acquire(ctx context.Context, extensionID string) (Container, error)
	Release(ctx context.Context, extensionID string, container Container) error
}

// MountBridge is the extension-facing surface handed to a lifecycle on mount.
type MountBridge interface {
	ExtensionID() string
	DomainID() string
	ExecuteActionsChain(ctx context.Context, chain ActionsChain) (ChainResult, error)
	Property(id string) (SharedProperty, bool)
	SubscribeToProperty(id string, fn func(SharedProperty)) (unsubscribe func())
	OnActionsChain(handler ActionsChainHandler)
	// RegisterChildDomain lets a mounted extension expose its own extension
	// point to the host.
	RegisterChildDomain(ctx context.Context, d Domain, containers ContainerProvider) error
	UnregisterChildDomain(ctx context.Context, domainID string) error
}

// Lifecycle is the loaded form of an entry. Both methods are required.
type Lifecycle interface {
	Mount(ctx context.Context, container Container, bridge MountBridge) error
	Unmount(ctx context.Context, container Container) error
}

// LoadHandler loads entries of the types it can handle. Handlers are tried in
// descending priority order; the first capable handler wins.
type LoadHandler interface {
	Priority() int
	CanHandle(entryTypeID string) bool
	Load(ctx context.Context, entry Entry) (Lifecycle, error)
}
