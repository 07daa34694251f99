package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/host"
)

// SchemaRegistry is the part of the type system a manifest writes to.
type SchemaRegistry interface {
	RegisterSchema(typeID string, schema map[string]any) error
	RegisterRules(ctx context.Context, typeID, module string) error
}

// Applier registers manifests on a host.
type Applier struct {
	Host  *host.Host
	Types SchemaRegistry
	// Containers supplies mount surfaces per domain id. Domains without an
	// entry mount extensions without a container.
	Containers map[string]domain.ContainerProvider
	Logger     *slog.Logger
}

func (a *Applier) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// Apply registers everything in m that the host does not know yet, sets the
// declared property values and mounts extensions marked for mounting. It can
// be called repeatedly with the same manifest.
func (a *Applier) Apply(ctx context.Context, m *Manifest) error {
	var errs []error

	for _, s := range m.Schemas {
		if err := a.Types.RegisterSchema(s.TypeID, s.Schema); err != nil {
			errs = append(errs, fmt.Errorf("schema %s: %w", s.TypeID, err))
		}
	}
	for _, r := range m.Rules {
		if err := a.Types.RegisterRules(ctx, r.TypeID, r.Module); err != nil {
			errs = append(errs, fmt.Errorf("rules %s: %w", r.TypeID, err))
		}
	}

	for _, spec := range m.Domains {
		if _, ok := a.Host.DomainState(spec.ID); ok {
			continue
		}
		if err := a.Host.RegisterDomain(ctx, spec.ToDomain(), a.Containers[spec.ID]); err != nil {
			errs = append(errs, err)
		}
	}

	for _, domainID := range sortedKeys(m.Properties) {
		if _, ok := a.Host.DomainState(domainID); !ok {
			continue
		}
		if err := a.Host.UpdateDomainProperties(domainID, m.Properties[domainID]); err != nil {
			errs = append(errs, err)
		}
	}

	for _, spec := range m.Extensions {
		if _, ok := a.Host.Extension(spec.ID); ok {
			continue
		}
		if _, ok := a.Host.DomainState(spec.Domain); !ok {
			continue
		}
		if err := a.Host.RegisterExtension(ctx, spec.ToDomain()); err != nil {
			errs = append(errs, err)
		}
	}

	for _, spec := range m.Extensions {
		if !spec.Mount || slices.Contains(a.Host.MountedExtensions(spec.Domain), spec.ID) {
			continue
		}
		if _, ok := a.Host.Extension(spec.ID); !ok {
			continue
		}
		if err := a.Host.MountExtension(ctx, spec.ID); err != nil {
			errs = append(errs, err)
		}
	}

	a.logger().InfoContext(ctx, "manifest applied",
		"generation", m.Generation,
		"domains", len(m.Domains),
		"extensions", len(m.Extensions),
		"errors", len(errs),
	)
	return errors.Join(errs...)
}

// Reconcile moves the host from prev to next. Extensions and domains that
// were removed or changed are unregistered before next is applied; changed
// ones are registered again with their new definition.
func (a *Applier) Reconcile(ctx context.Context, prev, next *Manifest) error {
	if prev == nil {
		return a.Apply(ctx, next)
	}
	var errs []error

	nextExtensions := make(map[string]ExtensionSpec, len(next.Extensions))
	for _, spec := range next.Extensions {
		nextExtensions[spec.ID] = spec
	}
	for _, spec := range prev.Extensions {
		if updated, ok := nextExtensions[spec.ID]; ok && reflect.DeepEqual(spec, updated) {
			continue
		}
		if _, ok := a.Host.Extension(spec.ID); !ok {
			continue
		}
		if err := a.Host.UnregisterExtension(ctx, spec.ID); err != nil {
			errs = append(errs, err)
		}
	}

	nextDomains := make(map[string]DomainSpec, len(next.Domains))
	for _, spec := range next.Domains {
		nextDomains[spec.ID] = spec
	}
	for _, spec := range prev.Domains {
		if updated, ok := nextDomains[spec.ID]; ok && reflect.DeepEqual(spec, updated) {
			continue
		}
		if _, ok := a.Host.DomainState(spec.ID); !ok {
			continue
		}
		if err := a.Host.UnregisterDomain(ctx, spec.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.Apply(ctx, next); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
