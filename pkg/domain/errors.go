package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Bridge errors. Callers discriminate them with errors.Is.
var (
	// ErrBridgeDisposed indicates an operation on a disposed bridge.
	ErrBridgeDisposed = errors.New("bridge disposed")

	// ErrBridgeNotConnected indicates the bridge transport was never wired.
	ErrBridgeNotConnected = errors.New("bridge not connected")

	// ErrNoActionHandler indicates the bridge is wired but no handler is
	// registered for this direction.
	ErrNoActionHandler = errors.New("no actions chain handler registered")
)

// Mediator errors.
var (
	ErrValidation        = errors.New("action validation failed")
	ErrUnsupportedAction = errors.New("action not supported by target domain")
	ErrActionTimeout     = errors.New("action timed out")
	ErrHandlerFailed     = errors.New("action handler failed")
	ErrPendingActions    = errors.New("actions pending for target")
	ErrTimeoutUnresolved = errors.New("action timeout cannot be resolved")
	ErrChainTooDeep      = errors.New("actions chain exceeds maximum depth")
	ErrHandlerExists     = errors.New("action handler already registered")
	ErrInvalidHandler    = errors.New("invalid action handler")
)

// Registry and host errors.
var (
	ErrDomainExists        = errors.New("domain already registered")
	ErrDomainNotFound      = errors.New("domain not found")
	ErrDomainHasExtensions = errors.New("domain still has registered extensions")
	ErrExtensionExists     = errors.New("extension already registered")
	ErrExtensionNotFound   = errors.New("extension not found")
	ErrPropertyNotDeclared = errors.New("shared property not declared by domain")
	ErrInvalidDefinition   = errors.New("invalid definition")
	ErrNoLoadHandler       = errors.New("no load handler can handle entry type")
	ErrLoadFailed          = errors.New("extension load failed")
	ErrAlreadyMounted      = errors.New("extension already mounted")
	ErrNotMounted          = errors.New("extension not mounted")
)

// ValidationError carries the type system's validation errors for an action.
type ValidationError struct {
	TypeID string
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("validation failed for %s", e.TypeID)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.TypeID, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnsupportedActionError reports an action the target domain does not declare.
type UnsupportedActionError struct {
	ActionType string
	DomainID   string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("action %s is not supported by domain %s", e.ActionType, e.DomainID)
}

func (e *UnsupportedActionError) Is(target error) bool {
	return target == ErrUnsupportedAction
}

// ActionTimeoutError reports an action or chain deadline being exceeded.
type ActionTimeoutError struct {
	ActionType string
	Timeout    time.Duration
	// ChainDeadline is set when the overall chain deadline expired first.
	ChainDeadline bool
}

func (e *ActionTimeoutError) Error() string {
	if e.ChainDeadline {
		return fmt.Sprintf("actions chain deadline of %s exceeded at %s", e.Timeout, e.ActionType)
	}
	return fmt.Sprintf("action %s timed out after %s", e.ActionType, e.Timeout)
}

func (e *ActionTimeoutError) Is(target error) bool {
	return target == ErrActionTimeout
}

// HandlerError wraps a failure returned by an action handler.
type HandlerError struct {
	ActionType string
	TargetID   string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s on %s failed: %v", e.ActionType, e.TargetID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailed
}

// PendingActionsError refuses handler removal while actions are in flight.
type PendingActionsError struct {
	TargetID string
	Count    int
}

func (e *PendingActionsError) Error() string {
	return fmt.Sprintf("cannot unregister handler for %s: %d action(s) pending", e.TargetID, e.Count)
}

func (e *PendingActionsError) Is(target error) bool {
	return target == ErrPendingActions
}

// BridgeError annotates a bridge failure with the operation and bridge id.
type BridgeError struct {
	BridgeID string
	Op       string
	Err      error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s: %s: %v", e.BridgeID, e.Op, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// IsDisposed checks if the error indicates a disposed bridge.
func IsDisposed(err error) bool {
	return errors.Is(err, ErrBridgeDisposed)
}

// IsNotConnected checks if the error indicates an unwired bridge.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrBridgeNotConnected)
}

// IsNoHandler checks if the error indicates a missing bridge handler.
func IsNoHandler(err error) bool {
	return errors.Is(err, ErrNoActionHandler)
}

// IsTimeout checks if the error is timeout-flavoured.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrActionTimeout)
}
