package mediator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/registry"
	"github.com/polisai/polis-extensions/pkg/typesystem"
)

const (
	sidebarID      = domain.DomainBaseTypeID + "acme.dash.layout.sidebar.v1"
	clockExt       = domain.ExtensionBaseTypeID + "acme.dash.widgets.clock.v1"
	loadAction     = domain.ActionBaseTypeID + "acme.dash.layout.load.v1~"
	mountAction    = domain.ActionBaseTypeID + "acme.dash.layout.mount.v1~"
	recoverAction  = domain.ActionBaseTypeID + "acme.dash.layout.recover.v1~"
	refreshAction  = domain.ActionBaseTypeID + "acme.dash.widgets.refresh.v1~"
	undeclaredType = domain.ActionBaseTypeID + "acme.dash.layout.undeclared.v1~"
)

type fixture struct {
	types    *typesystem.TypeSystem
	registry *registry.Registry
	mediator *Mediator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	types := typesystem.New()
	reg := registry.New(logger)
	require.NoError(t, reg.RegisterDomain(domain.Domain{
		ID:                   sidebarID,
		Actions:              []string{loadAction, mountAction, recoverAction},
		DefaultActionTimeout: 50 * time.Millisecond,
	}))

	cfg.TypeSystem = types
	cfg.Domains = reg
	cfg.Logger = logger
	m, err := New(cfg)
	require.NoError(t, err)
	return &fixture{types: types, registry: reg, mediator: m}
}

// router dispatches domain actions by type to per-type handlers.
type router map[string]domain.ActionHandlerFunc

func (r router) HandleAction(ctx context.Context, action domain.Action) error {
	if h, ok := r[action.Type]; ok {
		return h(ctx, action)
	}
	return nil
}

func succeed(context.Context, domain.Action) error { return nil }

func fail(context.Context, domain.Action) error { return errors.New("boom") }

func sleepFor(d time.Duration) domain.ActionHandlerFunc {
	return func(ctx context.Context, _ domain.Action) error {
		time.Sleep(d)
		return nil
	}
}

func link(actionType string) *domain.ActionsChain {
	return &domain.ActionsChain{Action: domain.Action{Type: actionType, Target: sidebarID}}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{TypeSystem: typesystem.New()})
	require.Error(t, err)
}

func TestExecute_NextOnlyChainCompletes(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
		loadAction:  succeed,
		mountAction: succeed,
	}))

	chain := *link(loadAction)
	chain.Next = link(mountAction)

	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	assert.True(t, result.Completed)
	assert.Equal(t, []string{loadAction, mountAction}, result.Path)
	assert.NoError(t, result.Error)
	assert.False(t, result.TimedOut)
	assert.Positive(t, result.ExecutionTime)
}

func TestExecute_FallbackAfterFailure(t *testing.T) {
	tests := []struct {
		name          string
		fallback      domain.ActionHandlerFunc
		wantCompleted bool
	}{
		{name: "fallback succeeds", fallback: succeed, wantCompleted: true},
		{name: "fallback fails", fallback: fail, wantCompleted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
				loadAction:    fail,
				mountAction:   succeed,
				recoverAction: tt.fallback,
			}))

			chain := *link(loadAction)
			chain.Next = link(mountAction)
			chain.Fallback = link(recoverAction)

			result := f.mediator.ExecuteActionsChain(context.Background(), chain)
			assert.Equal(t, []string{loadAction, recoverAction}, result.Path)
			assert.Equal(t, tt.wantCompleted, result.Completed)
		})
	}
}

func TestExecute_FailureWithoutFallback(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{loadAction: fail}))

	result := f.mediator.ExecuteActionsChain(context.Background(), *link(loadAction))
	assert.False(t, result.Completed)
	assert.False(t, result.TimedOut)
	assert.Equal(t, []string{loadAction}, result.Path)
	require.ErrorIs(t, result.Error, domain.ErrHandlerFailed)

	var handlerErr *domain.HandlerError
	require.ErrorAs(t, result.Error, &handlerErr)
	assert.Equal(t, sidebarID, handlerErr.TargetID)
	assert.EqualError(t, handlerErr.Err, "boom")
}

func TestExecute_DefaultTimeoutAndOverride(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{loadAction: sleepFor(100 * time.Millisecond)}))

	result := f.mediator.ExecuteActionsChain(context.Background(), *link(loadAction))
	assert.False(t, result.Completed)
	assert.True(t, result.TimedOut)
	require.ErrorIs(t, result.Error, domain.ErrActionTimeout)

	var timeoutErr *domain.ActionTimeoutError
	require.ErrorAs(t, result.Error, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	assert.False(t, timeoutErr.ChainDeadline)

	override := *link(loadAction)
	override.Action.Timeout = 200 * time.Millisecond
	result = f.mediator.ExecuteActionsChain(context.Background(), override)
	assert.True(t, result.Completed)
	assert.NoError(t, result.Error)
}

func TestExecute_TimeoutRoutesToFallback(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
		loadAction:    sleepFor(100 * time.Millisecond),
		recoverAction: succeed,
	}))

	chain := *link(loadAction)
	chain.Fallback = link(recoverAction)

	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	assert.True(t, result.Completed)
	assert.False(t, result.TimedOut)
	assert.Equal(t, []string{loadAction, recoverAction}, result.Path)
}

func TestExecute_ChainDeadline(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{loadAction: sleepFor(100 * time.Millisecond)}))

	chain := *link(loadAction)
	chain.Action.Timeout = time.Second

	result := f.mediator.ExecuteActionsChain(context.Background(), chain, WithChainTimeout(30*time.Millisecond))
	assert.True(t, result.TimedOut)

	var timeoutErr *domain.ActionTimeoutError
	require.ErrorAs(t, result.Error, &timeoutErr)
	assert.True(t, timeoutErr.ChainDeadline)
}

func TestExecute_ChainDeadlineSpansLinks(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
		loadAction:  sleepFor(25 * time.Millisecond),
		mountAction: sleepFor(25 * time.Millisecond),
	}))

	chain := *link(loadAction)
	chain.Next = link(mountAction)
	chain.Next.Next = link(loadAction)

	result := f.mediator.ExecuteActionsChain(context.Background(), chain, WithChainTimeout(70*time.Millisecond))
	assert.False(t, result.Completed)
	assert.True(t, result.TimedOut)
	assert.Len(t, result.Path, 3)
}

func TestExecute_ValidationFailureSkipsFallback(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.types.RegisterSchema(loadAction, map[string]any{
		"type":     "object",
		"required": []any{"payload"},
	}))

	var fallbackCalls atomic.Int32
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
		recoverAction: func(context.Context, domain.Action) error {
			fallbackCalls.Add(1)
			return nil
		},
	}))

	chain := *link(loadAction)
	chain.Fallback = link(recoverAction)

	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	assert.False(t, result.Completed)
	assert.Empty(t, result.Path)
	require.ErrorIs(t, result.Error, domain.ErrValidation)
	assert.Zero(t, fallbackCalls.Load())
}

func TestExecute_InvalidIDsAreRejected(t *testing.T) {
	f := newFixture(t, Config{})

	chain := domain.ActionsChain{Action: domain.Action{Type: loadAction, Target: "sidebar"}}
	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	require.ErrorIs(t, result.Error, domain.ErrValidation)
	assert.Empty(t, result.Path)
}

func TestExecute_UnsupportedActionIsTerminal(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{}))

	chain := *link(undeclaredType)
	chain.Fallback = link(recoverAction)

	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	assert.False(t, result.Completed)
	assert.Empty(t, result.Path)

	var unsupported *domain.UnsupportedActionError
	require.ErrorAs(t, result.Error, &unsupported)
	assert.Equal(t, sidebarID, unsupported.DomainID)
}

func TestExecute_NoHandlerIsNoop(t *testing.T) {
	f := newFixture(t, Config{})

	chain := *link(loadAction)
	chain.Next = link(mountAction)

	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	assert.True(t, result.Completed)
	assert.Equal(t, []string{loadAction, mountAction}, result.Path)
}

func TestExecute_ExtensionTargetSkipsSupportCheck(t *testing.T) {
	f := newFixture(t, Config{})

	var received domain.Action
	require.NoError(t, f.mediator.RegisterExtensionHandler(clockExt, sidebarID, "", domain.ActionHandlerFunc(
		func(_ context.Context, action domain.Action) error {
			received = action
			return nil
		})))

	chain := domain.ActionsChain{Action: domain.Action{
		Type:    refreshAction,
		Target:  clockExt,
		Payload: map[string]any{"interval": 5},
	}}
	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	require.True(t, result.Completed, result.Error)
	assert.Equal(t, refreshAction, received.Type)
	assert.Equal(t, 5, received.Payload["interval"])
}

func TestExecute_TimeoutUnresolved(t *testing.T) {
	f := newFixture(t, Config{})
	orphanDomain := domain.DomainBaseTypeID + "acme.dash.layout.orphan.v1"
	require.NoError(t, f.mediator.RegisterExtensionHandler(clockExt, orphanDomain, "", domain.ActionHandlerFunc(succeed)))

	chain := domain.ActionsChain{
		Action:   domain.Action{Type: refreshAction, Target: clockExt},
		Fallback: link(recoverAction),
	}
	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	assert.False(t, result.Completed)
	assert.Empty(t, result.Path)
	require.ErrorIs(t, result.Error, domain.ErrTimeoutUnresolved)
}

func TestExecute_DepthGuard(t *testing.T) {
	f := newFixture(t, Config{MaxChainDepth: 3})

	chain := link(loadAction)
	tail := chain
	for i := 0; i < 5; i++ {
		tail.Next = link(mountAction)
		tail = tail.Next
	}

	result := f.mediator.ExecuteActionsChain(context.Background(), *chain)
	assert.False(t, result.Completed)
	assert.Len(t, result.Path, 3)
	require.ErrorIs(t, result.Error, domain.ErrChainTooDeep)
}

func TestExecute_CyclicChainIsBounded(t *testing.T) {
	f := newFixture(t, Config{MaxChainDepth: 10})

	chain := link(loadAction)
	chain.Next = chain

	result := f.mediator.ExecuteActionsChain(context.Background(), *chain)
	require.ErrorIs(t, result.Error, domain.ErrChainTooDeep)
	assert.Len(t, result.Path, 10)
}

func TestExecute_HandlerPanicBecomesFailure(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
		loadAction: func(context.Context, domain.Action) error { panic("kaboom") },
	}))

	result := f.mediator.ExecuteActionsChain(context.Background(), *link(loadAction))
	require.ErrorIs(t, result.Error, domain.ErrHandlerFailed)
	assert.Contains(t, result.Error.Error(), "kaboom")
	require.Eventually(t, func() bool {
		return f.mediator.PendingCount(sidebarID) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestExecute_HandlerContextCarriesDeadline(t *testing.T) {
	f := newFixture(t, Config{})

	var remaining time.Duration
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
		loadAction: func(ctx context.Context, _ domain.Action) error {
			deadline, ok := ctx.Deadline()
			if !ok {
				return errors.New("no deadline")
			}
			remaining = time.Until(deadline)
			return nil
		},
	}))

	result := f.mediator.ExecuteActionsChain(context.Background(), *link(loadAction))
	require.True(t, result.Completed, result.Error)
	assert.LessOrEqual(t, remaining, 50*time.Millisecond)
}

func TestExecute_HandlerReceivesCopy(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
		loadAction: func(_ context.Context, action domain.Action) error {
			action.Payload["route"] = "mutated"
			return nil
		},
	}))

	chain := *link(loadAction)
	chain.Action.Payload = map[string]any{"route": "/home"}

	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	require.True(t, result.Completed)
	assert.Equal(t, "/home", chain.Action.Payload["route"])
}

func TestUnregister_RefusedWhilePending(t *testing.T) {
	f := newFixture(t, Config{})

	release := make(chan struct{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{
		loadAction: func(context.Context, domain.Action) error {
			<-release
			return nil
		},
	}))

	chain := *link(loadAction)
	chain.Action.Timeout = 5 * time.Second

	done := make(chan domain.ChainResult, 1)
	go func() {
		done <- f.mediator.ExecuteActionsChain(context.Background(), chain)
	}()

	require.Eventually(t, func() bool {
		return f.mediator.PendingCount(sidebarID) == 1
	}, time.Second, 5*time.Millisecond)

	err := f.mediator.UnregisterDomainHandler(sidebarID)
	require.ErrorIs(t, err, domain.ErrPendingActions)
	var pendingErr *domain.PendingActionsError
	require.ErrorAs(t, err, &pendingErr)
	assert.Equal(t, 1, pendingErr.Count)

	close(release)
	result := <-done
	assert.True(t, result.Completed)

	require.Eventually(t, func() bool {
		return f.mediator.PendingCount(sidebarID) == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.mediator.UnregisterDomainHandler(sidebarID))
	assert.False(t, f.mediator.HasHandler(sidebarID))
}

func TestUnregister_TimedOutCallStaysPending(t *testing.T) {
	f := newFixture(t, Config{})

	release := make(chan struct{})
	require.NoError(t, f.mediator.RegisterExtensionHandler(clockExt, sidebarID, "", domain.ActionHandlerFunc(
		func(context.Context, domain.Action) error {
			<-release
			return nil
		})))

	chain := domain.ActionsChain{Action: domain.Action{Type: refreshAction, Target: clockExt}}
	result := f.mediator.ExecuteActionsChain(context.Background(), chain)
	require.True(t, result.TimedOut)

	require.ErrorIs(t, f.mediator.UnregisterExtensionHandler(clockExt), domain.ErrPendingActions)

	close(release)
	require.Eventually(t, func() bool {
		return f.mediator.UnregisterExtensionHandler(clockExt) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterHandler_Errors(t *testing.T) {
	f := newFixture(t, Config{})

	require.ErrorIs(t, f.mediator.RegisterDomainHandler(sidebarID, nil), domain.ErrInvalidHandler)
	require.ErrorIs(t, f.mediator.RegisterDomainHandler("sidebar", router{}), domain.ErrInvalidHandler)
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{}))
	require.ErrorIs(t, f.mediator.RegisterDomainHandler(sidebarID, router{}), domain.ErrHandlerExists)

	require.ErrorIs(t, f.mediator.RegisterExtensionHandler(clockExt, sidebarID, "", nil), domain.ErrInvalidHandler)
	require.NoError(t, f.mediator.RegisterExtensionHandler(clockExt, sidebarID, "", router{}))
	require.ErrorIs(t, f.mediator.RegisterExtensionHandler(clockExt, sidebarID, "", router{}), domain.ErrHandlerExists)
}

func TestExecute_DomainHandlerPreferredOverExtension(t *testing.T) {
	f := newFixture(t, Config{})

	var domainCalls, extensionCalls atomic.Int32
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, domain.ActionHandlerFunc(
		func(context.Context, domain.Action) error {
			domainCalls.Add(1)
			return nil
		})))
	require.NoError(t, f.mediator.RegisterExtensionHandler(sidebarID, sidebarID, "", domain.ActionHandlerFunc(
		func(context.Context, domain.Action) error {
			extensionCalls.Add(1)
			return nil
		})))

	result := f.mediator.ExecuteActionsChain(context.Background(), *link(loadAction))
	require.True(t, result.Completed)
	assert.Equal(t, int32(1), domainCalls.Load())
	assert.Zero(t, extensionCalls.Load())
}

// Next-only chains of succeeding handlers always complete and report every
// visited action in order.
func TestNextOnlyChainsCompleteProperty(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.mediator.RegisterDomainHandler(sidebarID, router{}))

	actions := []string{loadAction, mountAction, recoverAction}

	rapid.Check(t, func(rt *rapid.T) {
		types := rapid.SliceOfN(rapid.SampledFrom(actions), 1, 12).Draw(rt, "types")

		var chain *domain.ActionsChain
		for i := len(types) - 1; i >= 0; i-- {
			next := chain
			chain = link(types[i])
			chain.Next = next
		}

		result := f.mediator.ExecuteActionsChain(context.Background(), *chain)
		if !result.Completed {
			rt.Fatalf("chain did not complete: %v", result.Error)
		}
		if fmt.Sprint(result.Path) != fmt.Sprint(types) {
			rt.Fatalf("path %v, want %v", result.Path, types)
		}
	})
}
