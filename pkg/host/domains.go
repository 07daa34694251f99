package host

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/polisai/polis-extensions/pkg/domain"
)

// ErrClosed is returned by registrations after Close.
var ErrClosed = errors.New("host closed")

// DomainOption customizes domain registration.
type DomainOption func(*domainOptions)

type domainOptions struct {
	handler domain.ActionHandler
	owner   string
}

// WithDomainActionHandler routes the domain's non-lifecycle actions to handler.
// Without it those actions succeed without effect.
func WithDomainActionHandler(handler domain.ActionHandler) DomainOption {
	return func(o *domainOptions) {
		o.handler = handler
	}
}

func withOwner(extensionID string) DomainOption {
	return func(o *domainOptions) {
		o.owner = extensionID
	}
}

// RegisterDomain validates d, stores it and binds its action handler. The
// domain's init hooks run once registration succeeds. containers may be nil
// for domains whose extensions need no mount surface.
func (h *Host) RegisterDomain(ctx context.Context, d domain.Domain, containers domain.ContainerProvider, opts ...DomainOption) error {
	if h.isClosed() {
		return ErrClosed
	}
	var o domainOptions
	for _, opt := range opts {
		opt(&o)
	}

	d = d.Clone()
	if err := h.validateDomain(d); err != nil {
		return err
	}
	if err := h.registry.RegisterDomain(d); err != nil {
		return err
	}
	handler := &domainActionHandler{host: h, domainID: d.ID, custom: o.handler}
	if err := h.mediator.RegisterDomainHandler(d.ID, handler); err != nil {
		_ = h.registry.UnregisterDomain(d.ID)
		return fmt.Errorf("register domain %s: %w", d.ID, err)
	}

	h.mu.Lock()
	h.domains[d.ID] = &domainRuntime{containers: containers, owner: o.owner}
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "domain registered",
		"domain_id", d.ID,
		"actions", len(d.Actions),
		"shared_properties", len(d.SharedProperties),
	)
	h.runHooks(ctx, d.ID, stageHooks(d.LifecycleHooks, domain.StageInit))
	return nil
}

// UnregisterDomain removes a domain after unregistering every extension bound
// to it. Mounted extensions are unmounted first. Nothing is removed while
// actions targeting the domain or one of its extensions are in flight.
func (h *Host) UnregisterDomain(ctx context.Context, domainID string) error {
	d, ok := h.registry.Domain(domainID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDomainNotFound, domainID)
	}

	extIDs := h.registry.ExtensionsForDomain(domainID)
	for _, target := range append([]string{domainID}, extIDs...) {
		if n := h.mediator.PendingCount(target); n > 0 {
			return fmt.Errorf("unregister domain %s: %w", domainID,
				&domain.PendingActionsError{TargetID: target, Count: n})
		}
	}

	for _, extID := range extIDs {
		if err := h.UnregisterExtension(ctx, extID); err != nil {
			return fmt.Errorf("unregister domain %s: %w", domainID, err)
		}
	}

	h.runHooks(ctx, domainID, stageHooks(d.LifecycleHooks, domain.StageDestroyed))

	if err := h.mediator.UnregisterDomainHandler(domainID); err != nil {
		return fmt.Errorf("unregister domain %s: %w", domainID, err)
	}
	if err := h.registry.UnregisterDomain(domainID); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.domains, domainID)
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "domain unregistered", "domain_id", domainID)
	return nil
}

func (h *Host) validateDomain(d domain.Domain) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: domain %s: %s", domain.ErrInvalidDefinition, d.ID, fmt.Sprintf(format, args...))
	}

	if !h.types.IsValidTypeID(d.ID) || !h.types.IsTypeOf(d.ID, domain.DomainBaseTypeID) {
		return invalid("id must derive from %s", domain.DomainBaseTypeID)
	}
	if d.DefaultActionTimeout <= 0 {
		return invalid("default action timeout must be positive")
	}
	for _, group := range [][]string{d.Actions, d.ExtensionsActions, d.SharedProperties, d.LifecycleStages, d.ExtensionsLifecycleStages} {
		for _, id := range group {
			if !h.types.IsValidTypeID(id) {
				return invalid("malformed id %q", id)
			}
		}
	}
	if err := checkHookStages(d.LifecycleHooks, d.LifecycleStages); err != nil {
		return invalid("%v", err)
	}

	if err := h.types.Register(domainInstance(d)); err != nil {
		return invalid("%v", err)
	}
	if res := h.types.ValidateInstance(d.ID); !res.Valid {
		return &domain.ValidationError{TypeID: d.ID, Errors: res.Errors}
	}
	return nil
}

func checkHookStages(hooks []domain.LifecycleHook, declared []string) error {
	for _, hook := range hooks {
		if !slices.Contains(declared, hook.Stage) {
			return fmt.Errorf("hook stage %s is not declared", hook.Stage)
		}
	}
	return nil
}

func domainInstance(d domain.Domain) domain.Instance {
	return domain.Instance{
		ID: d.ID,
		Body: map[string]any{
			"id":                        d.ID,
			"sharedProperties":          stringsToAny(d.SharedProperties),
			"actions":                   stringsToAny(d.Actions),
			"extensionsActions":         stringsToAny(d.ExtensionsActions),
			"defaultActionTimeout":      d.DefaultActionTimeout.Milliseconds(),
			"lifecycleStages":           stringsToAny(d.LifecycleStages),
			"extensionsLifecycleStages": stringsToAny(d.ExtensionsLifecycleStages),
		},
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// domainActionHandler serves the lifecycle actions of one domain and hands
// everything else to the optional custom handler.
type domainActionHandler struct {
	host     *Host
	domainID string
	custom   domain.ActionHandler
}

func (dh *domainActionHandler) HandleAction(ctx context.Context, action domain.Action) error {
	switch action.Type {
	case domain.ActionLoadExtension:
		extID, err := dh.extensionID(action)
		if err != nil {
			return err
		}
		_, err = dh.host.LoadExtension(ctx, extID)
		return err
	case domain.ActionMountExtension:
		extID, err := dh.extensionID(action)
		if err != nil {
			return err
		}
		return dh.host.MountExtension(ctx, extID)
	case domain.ActionUnmountExtension:
		extID, err := dh.extensionID(action)
		if err != nil {
			return err
		}
		return dh.host.UnmountExtension(ctx, extID)
	}
	if dh.custom == nil {
		return nil
	}
	return dh.custom.HandleAction(ctx, action)
}

func (dh *domainActionHandler) extensionID(action domain.Action) (string, error) {
	extID, _ := action.Payload[domain.PayloadExtensionID].(string)
	if extID == "" {
		return "", fmt.Errorf("%s: payload field %q is required", action.Type, domain.PayloadExtensionID)
	}
	ext, ok := dh.host.registry.Extension(extID)
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrExtensionNotFound, extID)
	}
	if ext.DomainID != dh.domainID {
		return "", fmt.Errorf("extension %s belongs to domain %s, not %s", extID, ext.DomainID, dh.domainID)
	}
	return extID, nil
}
