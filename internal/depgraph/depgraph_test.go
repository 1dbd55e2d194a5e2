package depgraph

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaast/appview/pkg/atmodel"
)

func ref(id, hash string) atmodel.ResourceRef {
	return atmodel.ResourceRef{AuthorityID: id, ContentHash: hash}
}

func resolverFromNodes(nodes map[string]*Node) Resolver {
	return func(r atmodel.ResourceRef) (*Node, error) {
		n, ok := nodes[r.Key()]
		if !ok {
			return nil, errors.New("not found")
		}
		return n, nil
	}
}

func TestBuildDiscoversTransitiveDependencies(t *testing.T) {
	leaf := ref("did:web:crew", "leaf")
	mid := ref("did:web:crew", "mid")
	root := ref("did:web:crew", "root")

	nodes := map[string]*Node{
		root.Key(): {Ref: root, Kind: "function", Dependencies: []atmodel.ResourceRef{mid}},
		mid.Key():  {Ref: mid, Kind: "computed", Dependencies: []atmodel.ResourceRef{leaf}},
		leaf.Key(): {Ref: leaf, Kind: "computed"},
	}

	g, err := Build([]atmodel.ResourceRef{root}, resolverFromNodes(nodes))
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 3)
	assert.Empty(t, g.UnresolvedRefs())
	assert.Empty(t, g.CycleWarnings())

	// leaf must precede mid must precede root in topological order.
	pos := map[string]int{}
	for i, key := range g.Order {
		pos[key] = i
	}
	assert.Less(t, pos[leaf.Key()], pos[mid.Key()])
	assert.Less(t, pos[mid.Key()], pos[root.Key()])
}

func TestBuildStopsAtCollectionKind(t *testing.T) {
	coll := ref("chat.pirate.avast", "")
	root := ref("did:web:crew", "root")

	nodes := map[string]*Node{
		root.Key(): {Ref: root, Kind: "computed", Dependencies: []atmodel.ResourceRef{coll}},
		coll.Key(): {Ref: coll, Kind: collectionKind, Dependencies: []atmodel.ResourceRef{ref("should-not", "visit")}},
	}

	g, err := Build([]atmodel.ResourceRef{root}, resolverFromNodes(nodes))
	require.NoError(t, err)
	assert.Contains(t, g.Nodes, coll.Key())
	assert.NotContains(t, g.Nodes, "should-not:visit")
}

func TestBuildRecordsUnresolvedRefs(t *testing.T) {
	missing := ref("did:web:crew", "missing")
	g, err := Build([]atmodel.ResourceRef{missing}, resolverFromNodes(map[string]*Node{}))
	require.NoError(t, err)
	assert.Empty(t, g.Nodes)
	require.Len(t, g.UnresolvedRefs(), 1)
	assert.Equal(t, missing, g.UnresolvedRefs()[0])
}

func TestBuildDetectsCycles(t *testing.T) {
	a := ref("did:web:crew", "a")
	b := ref("did:web:crew", "b")

	nodes := map[string]*Node{
		a.Key(): {Ref: a, Kind: "computed", Dependencies: []atmodel.ResourceRef{b}},
		b.Key(): {Ref: b, Kind: "computed", Dependencies: []atmodel.ResourceRef{a}},
	}

	g, err := Build([]atmodel.ResourceRef{a}, resolverFromNodes(nodes))
	require.NoError(t, err)
	assert.NotEmpty(t, g.CycleWarnings())
	assert.Len(t, g.Order, 2)
}

func TestValidateFlagsUnresolvedEndpointReference(t *testing.T) {
	g := &Graph{Nodes: map[string]*Node{}}
	missing := ref("did:web:crew", "missing")
	errs := Validate(g, []atmodel.ResourceRef{missing})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], missing.Key())
}

func TestValidateFlagsDanglingDependency(t *testing.T) {
	root := ref("did:web:crew", "root")
	dangling := ref("did:web:crew", "dangling")
	g := &Graph{Nodes: map[string]*Node{
		root.Key(): {Ref: root, Kind: "computed", Dependencies: []atmodel.ResourceRef{dangling}},
	}}

	errs := Validate(g, []atmodel.ResourceRef{root})
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if strings.Contains(e, dangling.Key()) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidatePassesCleanGraph(t *testing.T) {
	root := ref("did:web:crew", "root")
	g := &Graph{Nodes: map[string]*Node{
		root.Key(): {Ref: root, Kind: "computed"},
	}}
	errs := Validate(g, []atmodel.ResourceRef{root})
	assert.Empty(t, errs)
}
