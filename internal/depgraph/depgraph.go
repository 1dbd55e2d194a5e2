// Package depgraph builds a deploy's dependency graph by BFS discovery and
// orders it by three-colour DFS topological sort (§4.E).
package depgraph

import (
	"fmt"

	"github.com/avaast/appview/pkg/atmodel"
)

// Node is one discovered graph node.
type Node struct {
	Ref          atmodel.ResourceRef
	Kind         string
	Dependencies []atmodel.ResourceRef
}

// Resolver looks up a node's dependencies given its ref.
type Resolver func(ref atmodel.ResourceRef) (*Node, error)

// Graph is the BFS-discovered node set plus its topological order.
type Graph struct {
	Nodes map[string]*Node
	Order []string // refKeys in topological order

	unresolved []atmodel.ResourceRef
	cycles     []string // human-readable back-edge warnings
}

// collectionKind marks a node whose dependencies are not themselves discoverable
// further (a raw NSID collection reference, not a resource ref).
const collectionKind = "collection"

// Build performs BFS discovery from endpoints' refs, enqueueing the
// dependencies of every resolved node whose kind is not "collection".
// Unresolved references are skipped and recorded in the Graph; Validate
// reports them as errors.
func Build(roots []atmodel.ResourceRef, resolve Resolver) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node)}

	queue := append([]atmodel.ResourceRef{}, roots...)
	visited := make(map[string]bool)

	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]

		key := ref.Key()
		if visited[key] {
			continue
		}
		visited[key] = true

		node, err := resolve(ref)
		if err != nil {
			g.unresolved = append(g.unresolved, ref)
			continue
		}
		g.Nodes[key] = node

		for _, dep := range node.Dependencies {
			if node.Kind == collectionKind {
				continue
			}
			if !visited[dep.Key()] {
				queue = append(queue, dep)
			}
		}
	}

	order, cycles := topoSort(g.Nodes)
	g.Order = order
	g.cycles = cycles

	return g, nil
}

// CycleWarnings returns back-edge warnings found during the tolerant sort.
func (g *Graph) CycleWarnings() []string { return g.cycles }

// UnresolvedRefs returns refs that could not be resolved during discovery.
func (g *Graph) UnresolvedRefs() []atmodel.ResourceRef { return g.unresolved }

// color marks a node's DFS visitation state for three-colour cycle detection.
type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully processed
)

// topoSort runs DFS with three-colour marking. Back-edges (gray→gray) are
// collected as warnings and the sort continues, emitting a partial order
// (tolerant mode); a validated graph forbids any returned warnings (§4.F).
func topoSort(nodes map[string]*Node) (order []string, warnings []string) {
	colors := make(map[string]color, len(nodes))
	for key := range nodes {
		colors[key] = white
	}

	var visit func(key string)
	visit = func(key string) {
		node, ok := nodes[key]
		if !ok {
			return
		}
		colors[key] = gray
		for _, dep := range node.Dependencies {
			depKey := dep.Key()
			if _, exists := nodes[depKey]; !exists {
				continue
			}
			switch colors[depKey] {
			case white:
				visit(depKey)
			case gray:
				warnings = append(warnings, fmt.Sprintf("circular dependency: %s -> %s", key, depKey))
			case black:
				// already ordered, fine
			}
		}
		colors[key] = black
		order = append(order, key)
	}

	for key := range nodes {
		if colors[key] == white {
			visit(key)
		}
	}

	return order, warnings
}

// Validate returns human-readable errors for: endpoint references not in
// nodes; dependency references not in nodes; collection-kind dependencies
// missing the collection NSID; references Build could not resolve. Cycle
// warnings are not included here. Strict mode treats any non-empty result as
// fatal.
func Validate(g *Graph, endpointRefs []atmodel.ResourceRef) []string {
	var errs []string

	for _, ref := range endpointRefs {
		if _, ok := g.Nodes[ref.Key()]; !ok {
			errs = append(errs, fmt.Sprintf("endpoint reference not resolved: %s", ref.Key()))
		}
	}

	for _, node := range g.Nodes {
		for _, dep := range node.Dependencies {
			if _, ok := g.Nodes[dep.Key()]; !ok {
				errs = append(errs, fmt.Sprintf("dependency reference not resolved: %s (from %s)", dep.Key(), node.Ref.Key()))
			}
		}
		if node.Kind == collectionKind && node.Ref.ContentHash == "" {
			errs = append(errs, fmt.Sprintf("collection-kind dependency missing NSID: %s", node.Ref.AuthorityID))
		}
	}

	for _, ref := range g.unresolved {
		errs = append(errs, fmt.Sprintf("unresolved reference: %s", ref.Key()))
	}

	return errs
}
