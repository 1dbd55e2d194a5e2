// Package router is the in-memory Dynamic Router: an endpointName ->
// DeployedEndpoint registry that the Gateway consults on every XRPC dispatch
// (§4.L). Unlike the on-disk service registry this is adapted from, it keeps
// no persistence — entries are registered from Watcher/Orchestrator state (by
// the Controller on appView records and by the deploy transition callback on
// ACTIVE), each registration replacing only the names it carries.
package router

import (
	"sync"

	"github.com/avaast/appview/pkg/atmodel"
)

// Router holds the currently routable endpoint set.
type Router struct {
	mu        sync.RWMutex
	endpoints map[string]atmodel.DeployedEndpoint
}

// New returns an empty Router.
func New() *Router {
	return &Router{endpoints: make(map[string]atmodel.DeployedEndpoint)}
}

// Register adds or replaces the endpoint registered under ep.Name.
func (r *Router) Register(ep atmodel.DeployedEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.Name] = ep
}

// RegisterAll replaces the entries for every endpoint in eps, leaving any
// endpoint not named in eps untouched.
func (r *Router) RegisterAll(eps []atmodel.DeployedEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range eps {
		r.endpoints[ep.Name] = ep
	}
}

// Unregister removes an endpoint by name.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, name)
}

// GetEndpoint returns the endpoint registered under name.
func (r *Router) GetEndpoint(name string) (atmodel.DeployedEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return atmodel.DeployedEndpoint{}, atmodel.NewMethodNotFound(name)
	}
	return ep, nil
}

// GetEndpointNames returns every registered endpoint name.
func (r *Router) GetEndpointNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}
