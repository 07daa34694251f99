package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-extensions/pkg/domain"
)

const (
	sidebarID = domain.DomainBaseTypeID + "acme.dash.layout.sidebar.v1"
	themeProp = domain.SharedPropertyBaseTypeID + "acme.dash.props.theme.v1"
	langProp  = domain.SharedPropertyBaseTypeID + "acme.dash.props.language.v1"
	clockExt  = domain.ExtensionBaseTypeID + "acme.dash.widgets.clock.v1"
)

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sidebar() domain.Domain {
	return domain.Domain{
		ID:                   sidebarID,
		SharedProperties:     []string{themeProp, langProp},
		DefaultActionTimeout: 5 * time.Second,
	}
}

func TestRegisterDomain_RejectsDuplicates(t *testing.T) {
	r := newTestRegistry()

	require.NoError(t, r.RegisterDomain(sidebar()))
	err := r.RegisterDomain(sidebar())
	require.ErrorIs(t, err, domain.ErrDomainExists)
}

func TestDomainState_AbsentAndPresent(t *testing.T) {
	r := newTestRegistry()

	_, ok := r.DomainState(sidebarID)
	assert.False(t, ok)

	require.NoError(t, r.RegisterDomain(sidebar()))
	state, ok := r.DomainState(sidebarID)
	require.True(t, ok)
	assert.Equal(t, sidebarID, state.Domain.ID)
	assert.Empty(t, state.Properties)
}

func TestUpdateDomainProperty_NotifiesSubscribers(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterDomain(sidebar()))

	var themeSeen []any
	var langSeen []any
	_, err := r.Subscribe(sidebarID, themeProp, func(p domain.SharedProperty) { themeSeen = append(themeSeen, p.Value) })
	require.NoError(t, err)
	_, err = r.Subscribe(sidebarID, langProp, func(p domain.SharedProperty) { langSeen = append(langSeen, p.Value) })
	require.NoError(t, err)

	require.NoError(t, r.UpdateDomainProperty(sidebarID, themeProp, "dark"))

	assert.Equal(t, []any{"dark"}, themeSeen)
	assert.Empty(t, langSeen)

	state, _ := r.DomainState(sidebarID)
	assert.Equal(t, "dark", state.Properties[themeProp])
}

func TestUpdateDomainProperties_StampsVersion(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterDomain(sidebar()))

	var versions []uint64
	_, err := r.Subscribe(sidebarID, themeProp, func(p domain.SharedProperty) { versions = append(versions, p.Version) })
	require.NoError(t, err)

	require.NoError(t, r.UpdateDomainProperty(sidebarID, themeProp, "dark"))
	require.NoError(t, r.UpdateDomainProperties(sidebarID, map[string]any{themeProp: "light", langProp: "en"}))
	require.Error(t, r.UpdateDomainProperty(sidebarID, "gts.acme.x.y.undeclared.v1", 1))

	assert.Equal(t, []uint64{1, 2}, versions)
	state, _ := r.DomainState(sidebarID)
	assert.Equal(t, uint64(2), state.Version)
}

func TestUpdateDomainProperty_Errors(t *testing.T) {
	r := newTestRegistry()

	err := r.UpdateDomainProperty(sidebarID, themeProp, "dark")
	require.ErrorIs(t, err, domain.ErrDomainNotFound)

	require.NoError(t, r.RegisterDomain(sidebar()))
	err = r.UpdateDomainProperty(sidebarID, "gts.acme.dash.props.unknown.v1~", 1)
	require.ErrorIs(t, err, domain.ErrPropertyNotDeclared)
}

func TestUpdateDomainProperties_IsAllOrNothing(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterDomain(sidebar()))

	err := r.UpdateDomainProperties(sidebarID, map[string]any{
		themeProp:                    "dark",
		"gts.acme.x.y.undeclared.v1": true,
	})
	require.ErrorIs(t, err, domain.ErrPropertyNotDeclared)

	state, _ := r.DomainState(sidebarID)
	assert.NotContains(t, state.Properties, themeProp)
}

func TestPropertyValuesAreCopied(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterDomain(sidebar()))

	var received map[string]any
	_, err := r.Subscribe(sidebarID, themeProp, func(p domain.SharedProperty) {
		received = p.Value.(map[string]any)
	})
	require.NoError(t, err)

	value := map[string]any{"palette": "dark"}
	require.NoError(t, r.UpdateDomainProperty(sidebarID, themeProp, value))

	value["palette"] = "mutated-by-host"
	received["palette"] = "mutated-by-subscriber"

	state, _ := r.DomainState(sidebarID)
	assert.Equal(t, map[string]any{"palette": "dark"}, state.Properties[themeProp])
}

func TestUnsubscribe_RemovesEmptySets(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterDomain(sidebar()))

	id1, err := r.Subscribe(sidebarID, themeProp, func(domain.SharedProperty) {})
	require.NoError(t, err)
	id2, err := r.Subscribe(sidebarID, themeProp, func(domain.SharedProperty) {})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, r.SubscriberCount(sidebarID, themeProp))

	r.Unsubscribe(sidebarID, themeProp, id1)
	r.Unsubscribe(sidebarID, themeProp, id2)
	assert.Equal(t, 0, r.SubscriberCount(sidebarID, themeProp))

	// Unknown ids and domains are tolerated during teardown.
	r.Unsubscribe(sidebarID, themeProp, id2)
	r.Unsubscribe("gts.acme.missing.domain.x.v1~", themeProp, id1)
}

func TestSubscribe_UndeclaredProperty(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterDomain(sidebar()))

	_, err := r.Subscribe(sidebarID, "gts.acme.x.y.undeclared.v1", func(domain.SharedProperty) {})
	require.ErrorIs(t, err, domain.ErrPropertyNotDeclared)
}

func TestExtensions_RegisterAndLookup(t *testing.T) {
	r := newTestRegistry()

	ext := domain.Extension{ID: clockExt, DomainID: sidebarID}
	require.ErrorIs(t, r.RegisterExtension(ext), domain.ErrDomainNotFound)

	require.NoError(t, r.RegisterDomain(sidebar()))
	require.NoError(t, r.RegisterExtension(ext))
	require.ErrorIs(t, r.RegisterExtension(ext), domain.ErrExtensionExists)

	got, ok := r.Extension(clockExt)
	require.True(t, ok)
	assert.Equal(t, sidebarID, got.DomainID)
	assert.Equal(t, []string{clockExt}, r.ExtensionsForDomain(sidebarID))

	require.ErrorIs(t, r.UnregisterDomain(sidebarID), domain.ErrDomainHasExtensions)

	require.NoError(t, r.UnregisterExtension(clockExt))
	require.ErrorIs(t, r.UnregisterExtension(clockExt), domain.ErrExtensionNotFound)
	require.NoError(t, r.UnregisterDomain(sidebarID))
	assert.Empty(t, r.DomainIDs())
}
