package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-extensions/pkg/domain"
)

const (
	sidebarID  = domain.DomainBaseTypeID + "acme.dash.layout.sidebar.v1"
	clockExt   = domain.ExtensionBaseTypeID + "acme.dash.widgets.clock.v1"
	weatherExt = domain.ExtensionBaseTypeID + "acme.dash.widgets.weather.v1"
	themeProp  = domain.SharedPropertyBaseTypeID + "acme.dash.props.theme.v1"
	langProp   = domain.SharedPropertyBaseTypeID + "acme.dash.props.language.v1"
	pingAction = domain.ActionBaseTypeID + "acme.dash.widgets.ping.v1~"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPair() (*ParentBridge, *ChildBridge) {
	return NewPair("bridge-1", sidebarID, clockExt, discardLogger(), nil)
}

func pingChain() domain.ActionsChain {
	return domain.ActionsChain{Action: domain.Action{Type: pingAction, Target: sidebarID}}
}

func TestBridgeFailureKindsAreDistinct(t *testing.T) {
	ctx := context.Background()

	_, err := NewDetachedChild().ExecuteActionsChain(ctx, pingChain())
	require.ErrorIs(t, err, domain.ErrBridgeNotConnected)
	assert.True(t, domain.IsNotConnected(err))
	assert.False(t, domain.IsNoHandler(err))

	parent, child := newTestPair()
	_, err = child.ExecuteActionsChain(ctx, pingChain())
	require.ErrorIs(t, err, domain.ErrNoActionHandler)
	assert.False(t, domain.IsDisposed(err))

	parent.Dispose()
	_, err = child.ExecuteActionsChain(ctx, pingChain())
	require.ErrorIs(t, err, domain.ErrBridgeDisposed)
	assert.False(t, domain.IsNotConnected(err))

	var bridgeErr *domain.BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, "bridge-1", bridgeErr.BridgeID)
	assert.Equal(t, "handle_child_action", bridgeErr.Op)
}

func TestChildActionReachesParentHandler(t *testing.T) {
	parent, child := newTestPair()

	var received domain.ActionsChain
	parent.OnChildAction(func(_ context.Context, chain domain.ActionsChain) (domain.ChainResult, error) {
		received = chain
		chain.Action.Payload["mutated"] = true
		return domain.ChainResult{Completed: true, Path: []string{chain.Action.Type}}, nil
	})

	chain := pingChain()
	chain.Action.Payload = map[string]any{"n": 1}

	result, err := child.ExecuteActionsChain(context.Background(), chain)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, pingAction, received.Action.Type)
	assert.NotContains(t, chain.Action.Payload, "mutated")
}

func TestSendActionsChain(t *testing.T) {
	ctx := context.Background()
	parent, child := newTestPair()

	_, err := parent.SendActionsChain(ctx, pingChain())
	require.ErrorIs(t, err, domain.ErrNoActionHandler)

	child.OnActionsChain(func(_ context.Context, chain domain.ActionsChain) (domain.ChainResult, error) {
		return domain.ChainResult{Completed: true, Path: []string{chain.Action.Type}}, nil
	})
	result, err := parent.SendActionsChain(ctx, pingChain())
	require.NoError(t, err)
	assert.Equal(t, []string{pingAction}, result.Path)

	parent.Dispose()
	_, err = parent.SendActionsChain(ctx, pingChain())
	require.ErrorIs(t, err, domain.ErrBridgeDisposed)
}

func TestDisposeIsIdempotentAndDropsUpdates(t *testing.T) {
	parent, child := newTestPair()

	var seen []any
	child.SubscribeToProperty(themeProp, func(p domain.SharedProperty) { seen = append(seen, p.Value) })

	parent.ReceivePropertyUpdate(themeProp, "dark")
	parent.Dispose()
	parent.Dispose()
	assert.True(t, parent.Disposed())

	parent.ReceivePropertyUpdate(themeProp, "light")

	assert.Equal(t, []any{"dark"}, seen)
	got, ok := child.Property(themeProp)
	require.True(t, ok)
	assert.Equal(t, "dark", got.Value)
}

func TestPropertyValuesCrossAsCopies(t *testing.T) {
	parent, child := newTestPair()

	var delivered map[string]any
	child.SubscribeToProperty(themeProp, func(p domain.SharedProperty) {
		delivered = p.Value.(map[string]any)
	})

	value := map[string]any{"palette": "dark"}
	parent.ReceivePropertyUpdate(themeProp, value)
	value["palette"] = "host-mutation"
	delivered["palette"] = "subscriber-mutation"

	got, _ := child.Property(themeProp)
	got.Value.(map[string]any)["palette"] = "reader-mutation"

	again, _ := child.Property(themeProp)
	assert.Equal(t, map[string]any{"palette": "dark"}, again.Value)
}

func TestSubscribeToProperty_Unsubscribe(t *testing.T) {
	parent, child := newTestPair()

	calls := 0
	unsubscribe := child.SubscribeToProperty(langProp, func(domain.SharedProperty) { calls++ })
	other := child.SubscribeToProperty(langProp, func(domain.SharedProperty) {})
	assert.Equal(t, 2, child.SubscriberCount(langProp))

	parent.ReceivePropertyUpdate(langProp, "en")
	unsubscribe()
	unsubscribe()
	parent.ReceivePropertyUpdate(langProp, "de")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, child.SubscriberCount(langProp))
	other()
	assert.Zero(t, child.SubscriberCount(langProp))

	_, ok := child.Property(themeProp)
	assert.False(t, ok)
}

type recordingRegistrar struct {
	registered   []string
	unregistered []string
	err          error
}

func (r *recordingRegistrar) RegisterChildDomain(_ context.Context, d domain.Domain, _ domain.ContainerProvider) error {
	r.registered = append(r.registered, d.ID)
	return r.err
}

func (r *recordingRegistrar) UnregisterChildDomain(_ context.Context, domainID string) error {
	r.unregistered = append(r.unregistered, domainID)
	return r.err
}

func TestChildDomainRegistration(t *testing.T) {
	ctx := context.Background()
	nested := domain.Domain{ID: domain.DomainBaseTypeID + "acme.dash.widgets.clock_face.v1"}

	err := NewDetachedChild().RegisterChildDomain(ctx, nested, nil)
	require.ErrorIs(t, err, domain.ErrBridgeNotConnected)

	parent, child := newTestPair()
	require.ErrorIs(t, child.RegisterChildDomain(ctx, nested, nil), domain.ErrNoActionHandler)

	registrar := &recordingRegistrar{}
	parent.OnChildDomain(registrar)
	require.NoError(t, child.RegisterChildDomain(ctx, nested, nil))
	require.NoError(t, child.UnregisterChildDomain(ctx, nested.ID))
	assert.Equal(t, []string{nested.ID}, registrar.registered)
	assert.Equal(t, []string{nested.ID}, registrar.unregistered)

	registrar.err = errors.New("rejected")
	require.EqualError(t, child.RegisterChildDomain(ctx, nested, nil), "rejected")

	parent.Dispose()
	require.ErrorIs(t, child.UnregisterChildDomain(ctx, nested.ID), domain.ErrBridgeDisposed)
}

func TestChildIdentity(t *testing.T) {
	_, child := newTestPair()
	assert.Equal(t, clockExt, child.ExtensionID())
	assert.Equal(t, sidebarID, child.DomainID())

	detached := NewDetachedChild()
	assert.Empty(t, detached.ExtensionID())
	assert.Empty(t, detached.DomainID())
}
