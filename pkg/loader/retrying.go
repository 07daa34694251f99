package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-extensions/internal/governance"
	"github.com/polisai/polis-extensions/pkg/domain"
)

// RetryingConfig configures a RetryingHandler.
type RetryingConfig struct {
	Retry governance.RetryConfig
	// AttemptTimeout bounds every single load attempt when positive.
	AttemptTimeout time.Duration
	// Breakers guards entries that keep failing. Nil disables circuit breaking.
	Breakers *governance.CircuitBreakerManager
	Logger   *slog.Logger
}

// RetryingHandler retries failed loads of the wrapped handler.
type RetryingHandler struct {
	inner          domain.LoadHandler
	policy         *governance.RetryPolicy
	attemptTimeout time.Duration
	breakers       *governance.CircuitBreakerManager
	logger         *slog.Logger
}

var _ domain.LoadHandler = (*RetryingHandler)(nil)

// NewRetryingHandler wraps inner with retry and circuit breaking.
func NewRetryingHandler(inner domain.LoadHandler, cfg RetryingConfig) *RetryingHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingHandler{
		inner:          inner,
		policy:         governance.NewRetryPolicy(cfg.Retry),
		attemptTimeout: cfg.AttemptTimeout,
		breakers:       cfg.Breakers,
		logger:         logger,
	}
}

// Priority returns the wrapped handler's priority.
func (h *RetryingHandler) Priority() int { return h.inner.Priority() }

// CanHandle delegates to the wrapped handler.
func (h *RetryingHandler) CanHandle(entryTypeID string) bool { return h.inner.CanHandle(entryTypeID) }

// Load calls the wrapped handler until it succeeds or the retry budget is
// spent. A nil lifecycle is a permanent failure.
func (h *RetryingHandler) Load(ctx context.Context, entry domain.Entry) (domain.Lifecycle, error) {
	var lifecycle domain.Lifecycle

	attemptAll := func(ctx context.Context) error {
		return h.policy.ExecuteWithRetry(ctx, func(ctx context.Context, attempt int) error {
			if attempt > 0 {
				h.logger.Debug("retrying extension load", "entry_id", entry.ID, "attempt", attempt)
			}
			lc, err := h.attempt(ctx, entry)
			if err != nil {
				h.logger.Warn("extension load attempt failed",
					"entry_id", entry.ID,
					"attempt", attempt,
					"error", err,
				)
				return err
			}
			if lc == nil {
				return governance.Permanent(fmt.Errorf("%w: %s returned no lifecycle", domain.ErrLoadFailed, entry.ID))
			}
			lifecycle = lc
			return nil
		})
	}

	var err error
	if h.breakers != nil {
		err = h.breakers.Get(entry.ID).ExecuteContext(ctx, attemptAll)
	} else {
		err = attemptAll(ctx)
	}
	if err != nil {
		if errors.Is(err, governance.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrLoadFailed, entry.ID, err)
		}
		return nil, err
	}
	return lifecycle, nil
}

func (h *RetryingHandler) attempt(ctx context.Context, entry domain.Entry) (domain.Lifecycle, error) {
	if h.attemptTimeout <= 0 {
		return h.inner.Load(ctx, entry)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, h.attemptTimeout)
	defer cancel()
	return h.inner.Load(attemptCtx, entry)
}
