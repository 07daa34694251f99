package host

import (
	"context"
	"fmt"
	"sort"

	"github.com/polisai/polis-extensions/pkg/domain"
)

func stageHooks(hooks []domain.LifecycleHook, stage string) []domain.ActionsChain {
	var chains []domain.ActionsChain
	for _, hook := range hooks {
		if hook.Stage == stage {
			chains = append(chains, hook.Actions)
		}
	}
	return chains
}

// runHooks executes lifecycle hook chains in declaration order. A failing
// hook is logged and does not stop the transition that triggered it.
func (h *Host) runHooks(ctx context.Context, ownerID string, chains []domain.ActionsChain) {
	for _, chain := range chains {
		result := h.ExecuteActionsChain(ctx, chain)
		if !result.Completed {
			h.logger.WarnContext(ctx, "lifecycle hook failed",
				"owner_id", ownerID,
				"action_type", chain.Action.Type,
				"path", result.Path,
				"error", result.Error,
			)
		}
	}
}

// childDomains routes nested domain registration from one mounted extension
// back into the host.
type childDomains struct {
	host        *Host
	extensionID string
}

func (c *childDomains) RegisterChildDomain(ctx context.Context, d domain.Domain, containers domain.ContainerProvider) error {
	return c.host.RegisterDomain(ctx, d, containers, withOwner(c.extensionID))
}

func (c *childDomains) UnregisterChildDomain(ctx context.Context, domainID string) error {
	c.host.mu.Lock()
	rt, ok := c.host.domains[domainID]
	owned := ok && rt.owner == c.extensionID
	c.host.mu.Unlock()
	if !owned {
		return fmt.Errorf("%w: %s is not owned by extension %s", domain.ErrDomainNotFound, domainID, c.extensionID)
	}
	return c.host.UnregisterDomain(ctx, domainID)
}

// removeChildDomains unregisters domains an extension left behind when it
// was unmounted.
func (h *Host) removeChildDomains(ctx context.Context, extensionID string) {
	h.mu.Lock()
	var owned []string
	for id, rt := range h.domains {
		if rt.owner == extensionID {
			owned = append(owned, id)
		}
	}
	h.mu.Unlock()
	sort.Strings(owned)

	for _, id := range owned {
		if err := h.UnregisterDomain(ctx, id); err != nil {
			h.logger.WarnContext(ctx, "child domain cleanup failed",
				"extension_id", extensionID,
				"domain_id", id,
				"error", err,
			)
		}
	}
}
