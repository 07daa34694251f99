package domain

import (
	"slices"
	"strings"
	"time"
)

// Well-known base type ids. Every domain, extension, entry, action, shared
// property and lifecycle stage id must derive from one of these.
const (
	DomainBaseTypeID         = "gts.polis.mfe.ext.domain.v1~"
	ExtensionBaseTypeID      = "gts.polis.mfe.ext.extension.v1~"
	EntryBaseTypeID          = "gts.polis.mfe.ext.entry.v1~"
	ActionBaseTypeID         = "gts.polis.mfe.comm.action.v1~"
	SharedPropertyBaseTypeID = "gts.polis.mfe.comm.shared_property.v1~"
	LifecycleStageBaseTypeID = "gts.polis.mfe.ext.lifecycle_stage.v1~"
)

// Built-in lifecycle actions served by every domain registered through the host.
const (
	ActionLoadExtension    = ActionBaseTypeID + "polis.mfe.lifecycle.load_ext.v1~"
	ActionMountExtension   = ActionBaseTypeID + "polis.mfe.lifecycle.mount_ext.v1~"
	ActionUnmountExtension = ActionBaseTypeID + "polis.mfe.lifecycle.unmount_ext.v1~"
)

// Built-in lifecycle stages triggered by the host.
const (
	StageInit        = LifecycleStageBaseTypeID + "polis.mfe.lifecycle.init.v1"
	StageActivated   = LifecycleStageBaseTypeID + "polis.mfe.lifecycle.activated.v1"
	StageDeactivated = LifecycleStageBaseTypeID + "polis.mfe.lifecycle.deactivated.v1"
	StageDestroyed   = LifecycleStageBaseTypeID + "polis.mfe.lifecycle.destroyed.v1"
)

// PayloadExtensionID is the payload key carrying the extension id of lifecycle actions.
const PayloadExtensionID = "extensionId"

// Domain is a named mount point for extensions.
type Domain struct {
	ID string
	// SharedProperties lists the property ids the domain publishes to its extensions.
	SharedProperties []string
	// Actions lists the action type ids the domain accepts as a target.
	Actions []string
	// ExtensionsActions lists the action type ids extensions may send toward the domain.
	ExtensionsActions []string
	// DefaultActionTimeout applies to actions without an explicit timeout. Required.
	DefaultActionTimeout time.Duration
	// LifecycleStages lists the stages the domain itself supports.
	LifecycleStages []string
	// ExtensionsLifecycleStages lists the stages extensions of this domain may hook.
	ExtensionsLifecycleStages []string
	LifecycleHooks            []LifecycleHook
}

// SupportsAction reports whether actionType is declared in the domain's action list.
func (d *Domain) SupportsAction(actionType string) bool {
	return slices.Contains(d.Actions, actionType)
}

// AcceptsExtensionAction reports whether extensions may send actionType toward the domain.
func (d *Domain) AcceptsExtensionAction(actionType string) bool {
	return slices.Contains(d.ExtensionsActions, actionType)
}

// DeclaresProperty reports whether propertyID is one of the domain's shared properties.
func (d *Domain) DeclaresProperty(propertyID string) bool {
	return slices.Contains(d.SharedProperties, propertyID)
}

// Clone returns a copy that shares no slices with the receiver.
func (d Domain) Clone() Domain {
	d.SharedProperties = slices.Clone(d.SharedProperties)
	d.Actions = slices.Clone(d.Actions)
	d.ExtensionsActions = slices.Clone(d.ExtensionsActions)
	d.LifecycleStages = slices.Clone(d.LifecycleStages)
	d.ExtensionsLifecycleStages = slices.Clone(d.ExtensionsLifecycleStages)
	d.LifecycleHooks = cloneHooks(d.LifecycleHooks)
	return d
}

// Entry references a loadable code module. Its type id selects the load handler.
type Entry struct {
	ID       string
	Manifest map[string]any
}

// TypeID returns the entry's type id.
func (e Entry) TypeID() string {
	return TypeIDOf(e.ID)
}

// Extension is a mountable unit bound to one domain and one entry.
type Extension struct {
	ID             string
	DomainID       string
	Entry          Entry
	LifecycleHooks []LifecycleHook
	Presentation   map[string]any
}

// Clone returns a deep copy of the extension.
func (e Extension) Clone() Extension {
	e.Entry.Manifest = CloneMap(e.Entry.Manifest)
	e.LifecycleHooks = cloneHooks(e.LifecycleHooks)
	e.Presentation = CloneMap(e.Presentation)
	return e
}

// LifecycleHook binds an actions chain to a lifecycle stage.
type LifecycleHook struct {
	Stage   string
	Actions ActionsChain
}

// SharedProperty is a read-only value flowing from domain state to extensions.
// Version orders the writes of one domain; zero marks an unversioned value.
type SharedProperty struct {
	ID      string
	Value   any
	Version uint64
}

// DomainState is a point-in-time view of a registered domain. Version is the
// domain's write counter when the view was taken.
type DomainState struct {
	Domain     Domain
	Properties map[string]any
	Version    uint64
}

// TypeIDOf returns the type portion of an id: everything up to and including
// the last "~". Type ids are returned unchanged.
func TypeIDOf(id string) string {
	idx := strings.LastIndex(id, "~")
	if idx < 0 {
		return id
	}
	return id[:idx+1]
}

// IsTypeID reports whether id names a type rather than an instance.
func IsTypeID(id string) bool {
	return strings.HasSuffix(id, "~")
}

func cloneHooks(hooks []LifecycleHook) []LifecycleHook {
	if hooks == nil {
		return nil
	}
	out := make([]LifecycleHook, len(hooks))
	for i, hook := range hooks {
		out[i] = LifecycleHook{Stage: hook.Stage, Actions: hook.Actions.Clone()}
	}
	return out
}
