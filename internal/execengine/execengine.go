// Package execengine implements the Gateway's Executor interface: it looks up
// a deploy's manifest from the Orchestrator, compiles and (cache-)executes a
// computed/searchIndex endpoint's Query, and hands function endpoints to an
// external sandboxed runner. This is the in-process equivalent of the
// "Internal execution API" described at §6 — no network hop is needed since
// the Gateway and Query Engine share a process in this implementation.
package execengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/internal/orchestrator"
	"github.com/avaast/appview/internal/querycache"
	"github.com/avaast/appview/internal/queryengine"
	"github.com/avaast/appview/internal/queryplan"
	"github.com/avaast/appview/pkg/atmodel"
)

// resourceBody is the subset of a computed/searchIndex record body the Query
// Engine cares about: the declarative Query AST it compiles and runs.
type resourceBody struct {
	Query *atmodel.Query `json:"query"`
}

// DependencyHandle is the only design-relevant contract of the sandboxed
// user-code executor (§1, §6): the resolved manifest context a function
// invocation may read from, but never mutate.
type DependencyHandle struct {
	Deploy    atmodel.ResourceRef
	Manifest  *atmodel.DeployManifest
	Resources map[string]atmodel.ResolvedResource
}

// FunctionRunner executes a function-kind resource's compiled code blob
// against params. The sandbox itself is an external collaborator per §1; this
// interface is the only part of its contract this module depends on.
type FunctionRunner interface {
	Run(ctx context.Context, codeBlob []byte, deps DependencyHandle, params map[string]interface{}) (interface{}, error)
}

// Response is the shape every query-backed endpoint returns, matching §6's
// internal execution API response: results, whether they came from cache,
// and how long execution took.
type Response struct {
	Results    []map[string]interface{} `json:"results"`
	Cached     bool                      `json:"cached"`
	DurationMs int64                     `json:"durationMs"`
}

// Config wires an Engine to the subsystems it composes.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Cache        *querycache.Cache
	DataSource   queryengine.DataSource
	Runner       FunctionRunner
	Logger       *logging.ContextLogger
}

// Engine implements gateway.Executor.
type Engine struct {
	cfg Config
	log *logging.ContextLogger
}

// New builds an Engine.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	return &Engine{cfg: cfg, log: log.Component("execengine")}
}

func (e *Engine) manifestAndResource(deploy atmodel.ResourceRef, ep atmodel.DeployedEndpoint) (*atmodel.DeployManifest, atmodel.ResolvedResource, error) {
	status, ok := e.cfg.Orchestrator.Status(deploy)
	if !ok || status.State != atmodel.StateActive || status.Manifest == nil {
		return nil, atmodel.ResolvedResource{}, atmodel.NewServiceUnavailable("deploy " + deploy.Key() + " is not active")
	}
	resolved, ok := status.Manifest.Resources[ep.Ref.Key()]
	if !ok {
		return nil, atmodel.ResolvedResource{}, atmodel.NewInternalServerError("endpoint references unresolved manifest resource "+ep.Ref.Key(), nil)
	}
	return status.Manifest, resolved, nil
}

// ExecuteComputed compiles and runs a computed endpoint's Query, consulting
// the Query Cache first and populating it on a miss.
func (e *Engine) ExecuteComputed(ctx context.Context, deploy atmodel.ResourceRef, ep atmodel.DeployedEndpoint, params map[string]interface{}) (interface{}, error) {
	return e.executeQuery(ctx, deploy, ep, params)
}

// ExecuteSearchIndex runs the same compiled-Query pipeline as ExecuteComputed.
// The full-text indexing technology itself is an external collaborator (§1);
// from the Query Engine's perspective a search index is just a Query whose
// predicates typically use the `like` comparison operator (§3).
func (e *Engine) ExecuteSearchIndex(ctx context.Context, deploy atmodel.ResourceRef, ep atmodel.DeployedEndpoint, params map[string]interface{}) (interface{}, error) {
	return e.executeQuery(ctx, deploy, ep, params)
}

func (e *Engine) executeQuery(ctx context.Context, deploy atmodel.ResourceRef, ep atmodel.DeployedEndpoint, params map[string]interface{}) (interface{}, error) {
	start := time.Now()

	_, resolved, err := e.manifestAndResource(deploy, ep)
	if err != nil {
		return nil, err
	}

	var body resourceBody
	if err := json.Unmarshal(resolved.RecordBody, &body); err != nil || body.Query == nil {
		return nil, atmodel.NewInternalServerError("endpoint resource has no compiled query: "+ep.Ref.Key(), err)
	}

	plan, err := queryplan.Compile(*body.Query)
	if err != nil {
		return nil, err
	}

	cacheKey := querycache.Key(ep.Ref.Key(), params)
	version := deploy.Key()

	if e.cfg.Cache != nil {
		if raw, hit, err := e.cfg.Cache.Get(ctx, cacheKey, version); err == nil && hit {
			var rows []map[string]interface{}
			if err := json.Unmarshal(raw, &rows); err == nil {
				return Response{Results: rows, Cached: true, DurationMs: time.Since(start).Milliseconds()}, nil
			}
		}
	}

	rows, err := queryengine.Execute(ctx, plan, e.cfg.DataSource, params)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}

	if e.cfg.Cache != nil {
		if raw, err := json.Marshal(rows); err == nil {
			if err := e.cfg.Cache.Set(ctx, cacheKey, version, raw); err != nil {
				e.log.WithError(err).Warn("failed to populate query cache")
			}
		}
	}

	return Response{Results: rows, Cached: false, DurationMs: time.Since(start).Milliseconds()}, nil
}

// ExecuteFunction hands a function-kind endpoint's code blob and dependency
// handle to the configured FunctionRunner. With no runner configured, function
// endpoints are unavailable — the sandboxed executor is an external
// collaborator this module does not implement (§1).
func (e *Engine) ExecuteFunction(ctx context.Context, deploy atmodel.ResourceRef, ep atmodel.DeployedEndpoint, params map[string]interface{}) (interface{}, error) {
	if e.cfg.Runner == nil {
		return nil, atmodel.NewServiceUnavailable("no function runner configured")
	}

	manifest, resolved, err := e.manifestAndResource(deploy, ep)
	if err != nil {
		return nil, err
	}

	deps := DependencyHandle{Deploy: deploy, Manifest: manifest, Resources: manifest.Resources}
	return e.cfg.Runner.Run(ctx, resolved.CodeBlob, deps, params)
}
