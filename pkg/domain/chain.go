package domain

import "time"

// Action is a self-identifying typed message.
type Action struct {
	// Type is the action's type id; it doubles as the instance id registered
	// with the type system.
	Type    string
	Target  string
	Payload map[string]any
	// Timeout overrides the target domain's default when non-zero.
	Timeout time.Duration
}

// Clone returns a deep copy of the action.
func (a Action) Clone() Action {
	a.Payload = CloneMap(a.Payload)
	return a
}

// Instance renders the action as a type system instance.
func (a Action) Instance() Instance {
	body := map[string]any{
		"type":   a.Type,
		"target": a.Target,
	}
	if a.Payload != nil {
		body["payload"] = CloneMap(a.Payload)
	}
	if a.Timeout > 0 {
		body["timeout"] = a.Timeout.Milliseconds()
	}
	return Instance{ID: a.Type, Body: body}
}

// ActionsChain routes an action to Next on success and Fallback on failure.
// Chains are acyclic by convention; executors bound their depth.
type ActionsChain struct {
	Action   Action
	Next     *ActionsChain
	Fallback *ActionsChain
}

// Clone returns a deep copy of the chain.
func (c ActionsChain) Clone() ActionsChain {
	out := ActionsChain{Action: c.Action.Clone()}
	if c.Next != nil {
		next := c.Next.Clone()
		out.Next = &next
	}
	if c.Fallback != nil {
		fallback := c.Fallback.Clone()
		out.Fallback = &fallback
	}
	return out
}

// Walk visits every action reachable from the chain, depth first, stopping
// after maxDepth levels. It returns false if the limit was hit.
func (c *ActionsChain) Walk(maxDepth int, visit func(Action) error) (bool, error) {
	if c == nil {
		return true, nil
	}
	if maxDepth <= 0 {
		return false, nil
	}
	if err := visit(c.Action); err != nil {
		return true, err
	}
	for _, branch := range []*ActionsChain{c.Next, c.Fallback} {
		ok, err := branch.Walk(maxDepth-1, visit)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// ChainResult captures the outcome of an actions chain execution.
type ChainResult struct {
	Completed bool
	// Path lists the type ids of every attempted action in order.
	Path          []string
	Error         error
	TimedOut      bool
	ExecutionTime time.Duration
}

// CloneValue deep-copies JSON-like values (maps, slices, scalars) so host state
// never leaks into extensions by reference.
func CloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		copy(out, typed)
		return out
	case map[string]string:
		out := make(map[string]string, len(typed))
		for k, item := range typed {
			out[k] = item
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies a map of JSON-like values. A nil map stays nil.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = CloneValue(value)
	}
	return out
}

// ActionOutcome classifies how a single action in a chain ended.
type ActionOutcome string

const (
	// OutcomeSuccess indicates the handler completed and Next is taken.
	OutcomeSuccess ActionOutcome = "success"
	// OutcomeNoop indicates no handler was registered for the target.
	OutcomeNoop ActionOutcome = "noop"
	// OutcomeFailure indicates the handler failed and Fallback is taken.
	OutcomeFailure ActionOutcome = "failure"
	// OutcomeTimeout indicates the action or chain deadline expired.
	OutcomeTimeout ActionOutcome = "timeout"
	// OutcomeRejected indicates validation or support checks failed; terminal.
	OutcomeRejected ActionOutcome = "rejected"
)
