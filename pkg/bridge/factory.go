package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/registry"
)

// PropertySource is the registry surface a Factory needs.
type PropertySource interface {
	DomainState(domainID string) (domain.DomainState, bool)
	Subscribe(domainID, propertyID string, fn registry.PropertySubscriber) (registry.SubscriptionID, error)
	Unsubscribe(domainID, propertyID string, id registry.SubscriptionID)
}

// FactoryConfig holds dependencies for creating a Factory.
type FactoryConfig struct {
	Properties PropertySource
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Factory creates bridge pairs and owns their domain subscriptions.
type Factory struct {
	properties PropertySource
	metrics    *Metrics
	logger     *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Properties == nil {
		return nil, fmt.Errorf("bridge factory requires a property source")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		properties: cfg.Properties,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// Create wires a pair for extensionID and subscribes the parent to every
// property declared by domainID. The child cache is seeded with the current
// values.
func (f *Factory) Create(ctx context.Context, domainID, extensionID string) (*ParentBridge, *ChildBridge, error) {
	state, ok := f.properties.DomainState(domainID)
	if !ok {
		return nil, nil, fmt.Errorf("create bridge for %s: %w: %s", extensionID, domain.ErrDomainNotFound, domainID)
	}

	parent, child := NewPair(uuid.NewString(), domainID, extensionID, f.logger, f.metrics)
	parent.setRelease(func() { f.unsubscribeAll(parent) })

	for _, propertyID := range state.Domain.SharedProperties {
		subID, err := f.properties.Subscribe(domainID, propertyID, func(p domain.SharedProperty) {
			parent.ReceiveProperty(p)
		})
		if err != nil {
			parent.dispose()
			return nil, nil, fmt.Errorf("create bridge for %s: subscribe %s: %w", extensionID, propertyID, err)
		}
		parent.RegisterPropertySubscriber(PropertySubscription{
			DomainID:       domainID,
			PropertyID:     propertyID,
			SubscriptionID: subID,
		})
	}

	if current, ok := f.properties.DomainState(domainID); ok {
		for propertyID, value := range current.Properties {
			child.seed(propertyID, value, current.Version)
		}
	}

	f.metrics.RecordBridgeCreated(domainID)
	parent.setRelease(func() {
		f.unsubscribeAll(parent)
		f.metrics.RecordBridgeDisposed(domainID)
	})
	f.logger.DebugContext(ctx, "bridge created",
		"bridge_id", parent.ID(),
		"domain_id", domainID,
		"extension_id", extensionID,
		"subscriptions", len(state.Domain.SharedProperties),
	)
	return parent, child, nil
}

// Dispose disposes the pair, which removes every subscription recorded on
// parent. Disposing twice is a no-op.
func (f *Factory) Dispose(parent *ParentBridge) {
	if parent == nil {
		return
	}
	parent.dispose()
}

func (f *Factory) unsubscribeAll(parent *ParentBridge) {
	for _, sub := range parent.PropertySubscribers() {
		f.properties.Unsubscribe(sub.DomainID, sub.PropertyID, sub.SubscriptionID)
	}
}
