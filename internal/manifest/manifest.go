// Package manifest builds an immutable DeployManifest from a deploy's
// declared endpoints: discover the dependency graph, validate it, resolve
// every node in topological order, and snapshot the result (§4.F).
package manifest

import (
	"context"
	"time"

	"github.com/avaast/appview/internal/depgraph"
	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/pkg/atmodel"
)

// Resolver fetches graph structure and content for one resource reference.
// A Store implementation may serve refs from an in-memory map; a PDS-backed
// implementation delegates to the PDS Resolver.
type Resolver interface {
	// ResolveNode returns the node's kind and its declared dependencies,
	// without fetching the full record body.
	ResolveNode(ctx context.Context, ref atmodel.ResourceRef) (kind string, dependencies []atmodel.ResourceRef, err error)
	// FetchBody returns the resource's record body.
	FetchBody(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error)
	// FetchCodeBlob returns the compiled code blob for a function-kind resource.
	FetchCodeBlob(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error)
}

const functionKind = "function"

// Build drives the graph builder, validates the result, resolves every node
// in topological order, and returns an immutable manifest. Strict mode: any
// validation error (including a cycle warning) aborts with
// atmodel.NewDeployValidationError carrying every reason found.
//
// Repeating Build against an unchanged endpoint set and an unchanged
// underlying graph produces an equivalent manifest (§4.F idempotence). Build
// is not pure: it fetches through resolver and stamps ResolvedAt from the
// clock on every run.
func Build(ctx context.Context, deployRef atmodel.ResourceRef, endpoints []atmodel.DeployedEndpoint, resolver Resolver, log *logging.ContextLogger) (*atmodel.DeployManifest, error) {
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	log = log.Component("manifest")

	roots := make([]atmodel.ResourceRef, 0, len(endpoints))
	for _, ep := range endpoints {
		roots = append(roots, ep.Ref)
	}

	graph, err := depgraph.Build(roots, func(ref atmodel.ResourceRef) (*depgraph.Node, error) {
		kind, deps, err := resolver.ResolveNode(ctx, ref)
		if err != nil {
			return nil, err
		}
		return &depgraph.Node{Ref: ref, Kind: kind, Dependencies: deps}, nil
	})
	if err != nil {
		return nil, atmodel.NewStorageError("build dependency graph", err)
	}

	var reasons []string
	reasons = append(reasons, depgraph.Validate(graph, roots)...)
	for _, w := range graph.CycleWarnings() {
		reasons = append(reasons, w)
	}
	if len(reasons) > 0 {
		return nil, atmodel.NewDeployValidationError(reasons)
	}

	resources := make(map[string]atmodel.ResolvedResource, len(graph.Order))
	for _, key := range graph.Order {
		node := graph.Nodes[key]

		body, err := resolver.FetchBody(ctx, node.Ref)
		if err != nil {
			return nil, atmodel.NewUpstreamFailure("fetch resource body for "+key, err)
		}

		resolved := atmodel.ResolvedResource{
			Ref:          node.Ref,
			Kind:         node.Kind,
			RecordBody:   body,
			Dependencies: node.Dependencies,
		}

		if node.Kind == functionKind {
			blob, err := resolver.FetchCodeBlob(ctx, node.Ref)
			if err != nil {
				return nil, atmodel.NewUpstreamFailure("fetch code blob for "+key, err)
			}
			resolved.CodeBlob = blob
		}

		resources[key] = resolved
		log.WithField("ref", key).Debug("resolved manifest node")
	}

	return &atmodel.DeployManifest{
		DeployRef:  deployRef,
		Endpoints:  endpoints,
		Resources:  resources,
		ResolvedAt: time.Now().Unix(),
	}, nil
}
