package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaast/appview/pkg/atmodel"
)

func TestGetEndpointUnknownNameIsMethodNotFound(t *testing.T) {
	r := New()
	_, err := r.GetEndpoint("chat.pirate.avast.sendMessage")
	require.Error(t, err)
	atErr, ok := err.(*atmodel.Error)
	require.True(t, ok)
	assert.Equal(t, atmodel.KindMethodNotFound, atErr.ErrKind)
}

func TestRegisterThenGetEndpoint(t *testing.T) {
	r := New()
	ep := atmodel.DeployedEndpoint{
		Name: "chat.pirate.avast.sendMessage",
		Kind: atmodel.KindFunction,
		Ref:  atmodel.ResourceRef{AuthorityID: "did:web:crew", ContentHash: "abc"},
	}
	r.Register(ep)

	got, err := r.GetEndpoint(ep.Name)
	require.NoError(t, err)
	assert.Equal(t, ep, got)
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	r := New()
	name := "chat.pirate.avast.listMessages"
	first := atmodel.DeployedEndpoint{Name: name, Kind: atmodel.KindComputed, Ref: atmodel.ResourceRef{AuthorityID: "did:web:a", ContentHash: "1"}}
	second := atmodel.DeployedEndpoint{Name: name, Kind: atmodel.KindComputed, Ref: atmodel.ResourceRef{AuthorityID: "did:web:b", ContentHash: "2"}}

	r.Register(first)
	r.Register(second)

	got, err := r.GetEndpoint(name)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestRegisterAllLeavesOtherEntriesUntouched(t *testing.T) {
	r := New()
	kept := atmodel.DeployedEndpoint{Name: "kept", Kind: atmodel.KindComputed, Ref: atmodel.ResourceRef{AuthorityID: "did:web:a", ContentHash: "1"}}
	r.Register(kept)

	updated := atmodel.DeployedEndpoint{Name: "updated", Kind: atmodel.KindSearchIndex, Ref: atmodel.ResourceRef{AuthorityID: "did:web:b", ContentHash: "2"}}
	r.RegisterAll([]atmodel.DeployedEndpoint{updated})

	gotKept, err := r.GetEndpoint("kept")
	require.NoError(t, err)
	assert.Equal(t, kept, gotKept)

	gotUpdated, err := r.GetEndpoint("updated")
	require.NoError(t, err)
	assert.Equal(t, updated, gotUpdated)
}

func TestUnregisterRemovesEndpoint(t *testing.T) {
	r := New()
	ep := atmodel.DeployedEndpoint{Name: "gone", Kind: atmodel.KindComputed, Ref: atmodel.ResourceRef{AuthorityID: "did:web:a", ContentHash: "1"}}
	r.Register(ep)
	r.Unregister(ep.Name)

	_, err := r.GetEndpoint(ep.Name)
	assert.Error(t, err)
}

func TestGetEndpointNames(t *testing.T) {
	r := New()
	r.Register(atmodel.DeployedEndpoint{Name: "a", Kind: atmodel.KindComputed})
	r.Register(atmodel.DeployedEndpoint{Name: "b", Kind: atmodel.KindComputed})

	names := r.GetEndpointNames()
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}
