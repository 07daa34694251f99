package mediator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/telemetry"
)

// ExecuteOption adjusts a single chain execution.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	chainTimeout time.Duration
}

// WithChainTimeout overrides the total time budget of one chain.
func WithChainTimeout(d time.Duration) ExecuteOption {
	return func(o *executeOptions) {
		if d > 0 {
			o.chainTimeout = d
		}
	}
}

// actionResult is the outcome of one link.
type actionResult struct {
	outcome domain.ActionOutcome
	err     error
}

// ExecuteActionsChain runs chain to completion. Every outcome, including
// failure, is reported through the returned result.
func (m *Mediator) ExecuteActionsChain(ctx context.Context, chain domain.ActionsChain, opts ...ExecuteOption) domain.ChainResult {
	options := executeOptions{chainTimeout: m.chainTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	start := time.Now()
	executionID := uuid.NewString()

	ctx, cancel := context.WithDeadline(ctx, start.Add(options.chainTimeout))
	defer cancel()

	ctx, span := m.tracer.Start(ctx, "actions_chain.execute", trace.WithAttributes(
		attribute.String("chain.execution_id", executionID),
		attribute.String("chain.root_action", chain.Action.Type),
		attribute.Int64("chain.timeout_ms", options.chainTimeout.Milliseconds()),
	))
	defer span.End()

	m.logger.Debug("executing actions chain",
		"execution_id", executionID,
		"root_action", chain.Action.Type,
		"target", chain.Action.Target,
	)

	result := domain.ChainResult{Path: []string{}}
	current := &chain
	for depth := 0; current != nil; depth++ {
		if depth >= m.maxDepth {
			result.Error = fmt.Errorf("%w: limit %d", domain.ErrChainTooDeep, m.maxDepth)
			break
		}

		link := current
		current = nil
		res := m.executeAction(ctx, link.Action, options.chainTimeout)

		switch res.outcome {
		case domain.OutcomeSuccess, domain.OutcomeNoop:
			result.Path = append(result.Path, link.Action.Type)
			if link.Next == nil {
				result.Completed = true
			}
			current = link.Next
		case domain.OutcomeFailure, domain.OutcomeTimeout:
			result.Path = append(result.Path, link.Action.Type)
			if link.Fallback == nil {
				result.Error = res.err
				result.TimedOut = domain.IsTimeout(res.err)
			}
			current = link.Fallback
		default:
			result.Error = res.err
		}
	}
	result.ExecutionTime = time.Since(start)

	span.SetAttributes(
		attribute.Bool("chain.completed", result.Completed),
		attribute.Bool("chain.timed_out", result.TimedOut),
		attribute.Int("chain.steps", len(result.Path)),
	)
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, result.Error.Error())
		m.logger.Warn("actions chain failed",
			"execution_id", executionID,
			"root_action", chain.Action.Type,
			"path", result.Path,
			"timed_out", result.TimedOut,
			"error", result.Error,
		)
	}

	telemetry.RecordChainMetrics(context.WithoutCancel(ctx), telemetry.ChainMetrics{
		RootAction: chain.Action.Type,
		Completed:  result.Completed,
		TimedOut:   result.TimedOut,
		Steps:      len(result.Path),
		Duration:   result.ExecutionTime,
	})
	return result
}

// executeAction validates, resolves and invokes a single action.
func (m *Mediator) executeAction(ctx context.Context, action domain.Action, chainTimeout time.Duration) actionResult {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "actions_chain.action", trace.WithAttributes(
		attribute.String("action.type", action.Type),
		attribute.String("action.target", action.Target),
	))
	defer span.End()

	res, domainID := m.runAction(ctx, span, action, chainTimeout)

	span.SetAttributes(attribute.String("action.outcome", string(res.outcome)))
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	telemetry.RecordActionMetrics(context.WithoutCancel(ctx), telemetry.ActionMetrics{
		ActionType: action.Type,
		TargetID:   action.Target,
		DomainID:   domainID,
		Outcome:    res.outcome,
		Duration:   time.Since(start),
	})
	return res
}

func (m *Mediator) runAction(ctx context.Context, span trace.Span, action domain.Action, chainTimeout time.Duration) (actionResult, string) {
	if err := ctx.Err(); err != nil {
		return m.chainContextResult(action, chainTimeout, err), ""
	}

	for _, id := range []string{action.Type, action.Target} {
		if !m.typeSystem.IsValidTypeID(id) {
			return actionResult{
				outcome: domain.OutcomeRejected,
				err:     &domain.ValidationError{TypeID: action.Type, Errors: []string{fmt.Sprintf("invalid type id %q", id)}},
			}, ""
		}
	}

	if err := m.typeSystem.Register(action.Instance()); err != nil {
		return actionResult{
			outcome: domain.OutcomeRejected,
			err:     &domain.ValidationError{TypeID: action.Type, Errors: []string{err.Error()}},
		}, ""
	}
	if validation := m.typeSystem.ValidateInstance(action.Type); !validation.Valid {
		telemetry.RecordValidationFailure(span, action.Type, len(validation.Errors))
		return actionResult{
			outcome: domain.OutcomeRejected,
			err:     &domain.ValidationError{TypeID: action.Type, Errors: validation.Errors},
		}, ""
	}

	target := m.resolveTarget(action.Target)
	domainID := ""
	if target.ownerFound {
		domainID = target.owner.ID
	}

	if target.isDomain && !target.owner.SupportsAction(action.Type) {
		return actionResult{
			outcome: domain.OutcomeRejected,
			err:     &domain.UnsupportedActionError{ActionType: action.Type, DomainID: target.owner.ID},
		}, domainID
	}

	if target.handler == nil {
		m.logger.Debug("no handler for action target, treating as no-op",
			"action_type", action.Type,
			"target", action.Target,
		)
		return actionResult{outcome: domain.OutcomeNoop}, domainID
	}

	timeout := action.Timeout
	if timeout <= 0 && target.ownerFound {
		timeout = target.owner.DefaultActionTimeout
	}
	if timeout <= 0 {
		return actionResult{
			outcome: domain.OutcomeRejected,
			err:     fmt.Errorf("%w: %s on %s", domain.ErrTimeoutUnresolved, action.Type, action.Target),
		}, domainID
	}
	span.SetAttributes(attribute.Int64("action.timeout_ms", timeout.Milliseconds()))

	return m.invokeHandler(ctx, target.handler, action, timeout, chainTimeout), domainID
}

// invokeHandler races the handler against timeout and the chain deadline. The
// call stays in the target's pending set until the handler actually returns.
func (m *Mediator) invokeHandler(ctx context.Context, handler domain.ActionHandler, action domain.Action, timeout, chainTimeout time.Duration) actionResult {
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release := m.track(ctx, action.Target)
	done := make(chan error, 1)
	go func() {
		defer release()
		done <- callHandler(actionCtx, handler, action.Clone())
	}()

	select {
	case err := <-done:
		if err != nil {
			return actionResult{
				outcome: domain.OutcomeFailure,
				err:     &domain.HandlerError{ActionType: action.Type, TargetID: action.Target, Err: err},
			}
		}
		return actionResult{outcome: domain.OutcomeSuccess}
	case <-actionCtx.Done():
		if err := ctx.Err(); err != nil {
			return m.chainContextResult(action, chainTimeout, err)
		}
		m.logger.Warn("action timed out",
			"action_type", action.Type,
			"target", action.Target,
			"timeout", timeout,
		)
		return actionResult{
			outcome: domain.OutcomeTimeout,
			err:     &domain.ActionTimeoutError{ActionType: action.Type, Timeout: timeout},
		}
	}
}

// chainContextResult maps an expired or cancelled chain context to a failure.
func (m *Mediator) chainContextResult(action domain.Action, chainTimeout time.Duration, err error) actionResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return actionResult{
			outcome: domain.OutcomeTimeout,
			err:     &domain.ActionTimeoutError{ActionType: action.Type, Timeout: chainTimeout, ChainDeadline: true},
		}
	}
	return actionResult{
		outcome: domain.OutcomeFailure,
		err:     fmt.Errorf("actions chain cancelled at %s: %w", action.Type, err),
	}
}

func callHandler(ctx context.Context, handler domain.ActionHandler, action domain.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.HandleAction(ctx, action)
}
