package host

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polisai/polis-extensions/pkg/bridge"
	"github.com/polisai/polis-extensions/pkg/domain"
)

// RegisterExtension validates ext against its domain and stores it. The
// extension's init hooks run once registration succeeds.
func (h *Host) RegisterExtension(ctx context.Context, ext domain.Extension) error {
	if h.isClosed() {
		return ErrClosed
	}
	ext = ext.Clone()

	d, ok := h.registry.Domain(ext.DomainID)
	if !ok {
		return fmt.Errorf("register extension %s: %w: %s", ext.ID, domain.ErrDomainNotFound, ext.DomainID)
	}
	if err := h.validateExtension(d, ext); err != nil {
		return err
	}
	if err := h.registry.RegisterExtension(ext); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "extension registered",
		"extension_id", ext.ID,
		"domain_id", ext.DomainID,
		"entry_id", ext.Entry.ID,
	)
	h.runHooks(ctx, ext.ID, stageHooks(ext.LifecycleHooks, domain.StageInit))
	return nil
}

// UnregisterExtension unmounts the extension if needed, runs its destroyed
// hooks and removes it.
func (h *Host) UnregisterExtension(ctx context.Context, extensionID string) error {
	ext, ok := h.registry.Extension(extensionID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExtensionNotFound, extensionID)
	}

	if h.isMounted(extensionID) {
		if err := h.UnmountExtension(ctx, extensionID); err != nil {
			return err
		}
	}

	h.runHooks(ctx, extensionID, stageHooks(ext.LifecycleHooks, domain.StageDestroyed))
	if err := h.registry.UnregisterExtension(extensionID); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.lifecycles, extensionID)
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "extension unregistered", "extension_id", extensionID)
	return nil
}

// LoadExtension resolves the extension's lifecycle through the highest
// priority load handler able to handle its entry type. Results are cached
// until the extension is unregistered.
func (h *Host) LoadExtension(ctx context.Context, extensionID string) (domain.Lifecycle, error) {
	h.mu.Lock()
	cached, ok := h.lifecycles[extensionID]
	h.mu.Unlock()
	if ok {
		return cached, nil
	}

	ext, ok := h.registry.Extension(extensionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExtensionNotFound, extensionID)
	}
	entryType := ext.Entry.TypeID()
	handler := h.selectHandler(entryType)
	if handler == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoLoadHandler, entryType)
	}

	ctx, span := h.tracer.Start(ctx, "extension.load")
	defer span.End()
	span.SetAttributes(
		attribute.String("extension.id", extensionID),
		attribute.String("entry.type", entryType),
	)

	loadCtx, cancel := context.WithTimeout(ctx, h.timeouts.LoadTimeout)
	defer cancel()
	lifecycle, err := handler.Load(loadCtx, ext.Entry)
	if err == nil && lifecycle == nil {
		err = fmt.Errorf("%w: %s returned no lifecycle", domain.ErrLoadFailed, ext.Entry.ID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load extension %s: %w", extensionID, err)
	}

	h.mu.Lock()
	if existing, ok := h.lifecycles[extensionID]; ok {
		lifecycle = existing
	} else {
		h.lifecycles[extensionID] = lifecycle
	}
	h.mu.Unlock()

	h.logger.DebugContext(ctx, "extension loaded", "extension_id", extensionID, "entry_type", entryType)
	return lifecycle, nil
}

// MountExtension loads the extension, acquires a container from its domain,
// wires a bridge pair and mounts the lifecycle. Once mounted the extension
// receives actions targeted at its id through the bridge.
func (h *Host) MountExtension(ctx context.Context, extensionID string) (err error) {
	ext, ok := h.registry.Extension(extensionID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExtensionNotFound, extensionID)
	}
	d, ok := h.registry.Domain(ext.DomainID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDomainNotFound, ext.DomainID)
	}

	h.mu.Lock()
	if _, busy := h.mounts[extensionID]; busy {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAlreadyMounted, extensionID)
	}
	rec := &mountRecord{state: mountMounting, domainID: ext.DomainID}
	h.mounts[extensionID] = rec
	h.mu.Unlock()

	ctx, span := h.tracer.Start(ctx, "extension.mount")
	defer span.End()
	span.SetAttributes(
		attribute.String("extension.id", extensionID),
		attribute.String("domain.id", ext.DomainID),
	)

	var rollback []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
		h.mu.Lock()
		delete(h.mounts, extensionID)
		h.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.WarnContext(ctx, "extension mount failed", "extension_id", extensionID, "error", err)
	}()

	lifecycle, err := h.LoadExtension(ctx, extensionID)
	if err != nil {
		return err
	}
	rec.lifecycle = lifecycle

	containers := h.containers(ext.DomainID)
	if containers != nil {
		container, acquireErr := containers.Acquire(ctx, extensionID)
		if acquireErr != nil {
			return fmt.Errorf("acquire container for %s: %w", extensionID, acquireErr)
		}
		rec.container = container
		rollback = append(rollback, func() {
			h.releaseContainer(context.WithoutCancel(ctx), containers, extensionID, container)
		})
	}

	parent, child, err := h.bridges.Create(ctx, ext.DomainID, extensionID)
	if err != nil {
		return err
	}
	rec.parent = parent
	rollback = append(rollback, func() { h.bridges.Dispose(parent) })
	parent.OnChildAction(h.childActionHandler(d, extensionID))
	parent.OnChildDomain(&childDomains{host: h, extensionID: extensionID})

	mountCtx, cancel := context.WithTimeout(ctx, h.timeouts.MountTimeout)
	err = lifecycle.Mount(mountCtx, rec.container, child)
	cancel()
	if err != nil {
		return fmt.Errorf("mount extension %s: %w", extensionID, err)
	}
	rollback = append(rollback, func() {
		h.removeChildDomains(context.WithoutCancel(ctx), extensionID)
		if unmountErr := lifecycle.Unmount(context.WithoutCancel(ctx), rec.container); unmountErr != nil {
			h.logger.WarnContext(ctx, "rollback unmount failed", "extension_id", extensionID, "error", unmountErr)
		}
	})

	if err = h.mediator.RegisterExtensionHandler(extensionID, ext.DomainID, ext.Entry.ID, forwardToChild(parent)); err != nil {
		return fmt.Errorf("mount extension %s: %w", extensionID, err)
	}

	h.mu.Lock()
	rec.state = mountMounted
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "extension mounted",
		"extension_id", extensionID,
		"domain_id", ext.DomainID,
		"bridge_id", parent.ID(),
	)
	h.runHooks(ctx, extensionID, stageHooks(ext.LifecycleHooks, domain.StageActivated))
	return nil
}

// UnmountExtension reverses MountExtension. It refuses while actions
// targeting the extension are still in flight.
func (h *Host) UnmountExtension(ctx context.Context, extensionID string) error {
	h.mu.Lock()
	rec, ok := h.mounts[extensionID]
	if !ok || rec.state != mountMounted {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotMounted, extensionID)
	}
	rec.state = mountUnmounting
	h.mu.Unlock()

	if err := h.mediator.UnregisterExtensionHandler(extensionID); err != nil {
		h.mu.Lock()
		rec.state = mountMounted
		h.mu.Unlock()
		return fmt.Errorf("unmount extension %s: %w", extensionID, err)
	}

	if ext, ok := h.registry.Extension(extensionID); ok {
		h.runHooks(ctx, extensionID, stageHooks(ext.LifecycleHooks, domain.StageDeactivated))
	}

	var errs []error
	unmountCtx, cancel := context.WithTimeout(ctx, h.timeouts.MountTimeout)
	err := rec.lifecycle.Unmount(unmountCtx, rec.container)
	cancel()
	if err != nil {
		errs = append(errs, fmt.Errorf("unmount extension %s: %w", extensionID, err))
	}
	h.removeChildDomains(ctx, extensionID)
	h.bridges.Dispose(rec.parent)
	if containers := h.containers(rec.domainID); containers != nil {
		h.releaseContainer(ctx, containers, extensionID, rec.container)
	}

	h.mu.Lock()
	delete(h.mounts, extensionID)
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "extension unmounted", "extension_id", extensionID, "domain_id", rec.domainID)
	return errors.Join(errs...)
}

func (h *Host) isMounted(extensionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.mounts[extensionID]
	return ok
}

func (h *Host) selectHandler(entryTypeID string) domain.LoadHandler {
	h.mu.Lock()
	handlers := make([]domain.LoadHandler, len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.Unlock()

	for _, handler := range handlers {
		if handler.CanHandle(entryTypeID) {
			return handler
		}
	}
	return nil
}

func (h *Host) releaseContainer(ctx context.Context, containers domain.ContainerProvider, extensionID string, container domain.Container) {
	if err := containers.Release(ctx, extensionID, container); err != nil {
		h.logger.WarnContext(ctx, "container release failed", "extension_id", extensionID, "error", err)
	}
}

func (h *Host) validateExtension(d domain.Domain, ext domain.Extension) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: extension %s: %s", domain.ErrInvalidDefinition, ext.ID, fmt.Sprintf(format, args...))
	}

	if !h.types.IsValidTypeID(ext.ID) || !h.types.IsTypeOf(ext.ID, domain.ExtensionBaseTypeID) {
		return invalid("id must derive from %s", domain.ExtensionBaseTypeID)
	}
	if !h.types.IsValidTypeID(ext.Entry.ID) || !h.types.IsTypeOf(ext.Entry.ID, domain.EntryBaseTypeID) || domain.IsTypeID(ext.Entry.ID) {
		return invalid("entry %q must be an instance of %s", ext.Entry.ID, domain.EntryBaseTypeID)
	}
	if err := checkHookStages(ext.LifecycleHooks, d.ExtensionsLifecycleStages); err != nil {
		return invalid("%v", err)
	}

	body := map[string]any{
		"id":     ext.ID,
		"domain": ext.DomainID,
		"entry":  ext.Entry.ID,
	}
	if ext.Presentation != nil {
		body["presentation"] = domain.CloneMap(ext.Presentation)
	}
	if err := h.types.Register(domain.Instance{ID: ext.ID, Body: body}); err != nil {
		return invalid("%v", err)
	}
	if res := h.types.ValidateInstance(ext.ID); !res.Valid {
		return &domain.ValidationError{TypeID: ext.ID, Errors: res.Errors}
	}
	return nil
}

// childActionHandler admits chains sent by a mounted extension. Links that
// target the extension's own domain must use actions the domain accepts from
// extensions.
func (h *Host) childActionHandler(d domain.Domain, extensionID string) domain.ActionsChainHandler {
	return func(ctx context.Context, chain domain.ActionsChain) (domain.ChainResult, error) {
		_, err := chain.Walk(h.mediator.MaxDepth(), func(action domain.Action) error {
			if action.Target == d.ID && !d.AcceptsExtensionAction(action.Type) {
				return &domain.UnsupportedActionError{ActionType: action.Type, DomainID: d.ID}
			}
			return nil
		})
		if err != nil {
			h.logger.WarnContext(ctx, "extension chain rejected",
				"extension_id", extensionID,
				"domain_id", d.ID,
				"error", err,
			)
			return domain.ChainResult{Error: err}, nil
		}
		return h.ExecuteActionsChain(ctx, chain), nil
	}
}

// forwardToChild delivers actions targeting a mounted extension as one-link
// chains over its bridge. An extension that never called OnActionsChain
// ignores them.
func forwardToChild(parent *bridge.ParentBridge) domain.ActionHandler {
	return domain.ActionHandlerFunc(func(ctx context.Context, action domain.Action) error {
		result, err := parent.SendActionsChain(ctx, domain.ActionsChain{Action: action})
		if domain.IsNoHandler(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if result.Error != nil {
			return result.Error
		}
		if !result.Completed {
			return fmt.Errorf("extension %s did not complete %s", parent.ExtensionID(), action.Type)
		}
		return nil
	})
}
