// Package controller routes Watcher events to the subsystem responsible for
// their collection — the single dispatch point wiring Watcher output to the
// Resource Store, Subscription Manager, Deploy Orchestrator, Router, and
// Traffic Shaper (§4.O). Grounded on the handlers-map dispatch style used for
// routing inbound WebSocket messages by type.
package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/avaast/appview/internal/orchestrator"
	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/internal/resourcestore"
	"github.com/avaast/appview/internal/router"
	"github.com/avaast/appview/internal/shaper"
	"github.com/avaast/appview/internal/subscription"
	"github.com/avaast/appview/internal/watcher"
	"github.com/avaast/appview/pkg/atmodel"
)

// resourceRecordBody is the common JSON shape of computed/function/searchIndex
// records: a kind tag, dependency refs, and (function only) a code blob.
type resourceRecordBody struct {
	Kind         string   `json:"kind"`
	Dependencies []string `json:"dependencies,omitempty"`
	CodeBlob     string   `json:"codeBlob,omitempty"` // base64
}

type subscriptionRecordBody struct {
	Collection       string              `json:"collection"`
	Filter           *atmodel.Expression `json:"filter,omitempty"`
	ProjectionFields []string            `json:"projectionFields,omitempty"`
}

type deployRecordBody struct {
	Endpoints []atmodel.DeployedEndpoint `json:"endpoints"`
}

type appViewRecordBody struct {
	Rules     []atmodel.TrafficRule      `json:"rules"`
	Endpoints []atmodel.DeployedEndpoint `json:"endpoints"`
}

// Config wires a Controller to the subsystems it routes events into.
type Config struct {
	Store         *resourcestore.Store
	Subscriptions *subscription.Manager
	Orchestrator  *orchestrator.Orchestrator
	Router        *router.Router
	Shaper        *shaper.Shaper
	Logger        *logging.ContextLogger
}

// Controller dispatches Watcher events by collection.
type Controller struct {
	cfg Config
	log *logging.ContextLogger
}

// New builds a Controller.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	return &Controller{cfg: cfg, log: log.Component("controller")}
}

// HandleEvent is the Watcher.Handler this Controller registers.
func (c *Controller) HandleEvent(evt watcher.Event) {
	ctx := context.Background()
	ref := atmodel.ResourceRef{AuthorityID: evt.AuthorityID, ContentHash: evt.ContentHash}

	switch evt.Collection {
	case "computed", "function", "searchIndex":
		c.handleResource(ref, evt)
	case "subscription":
		c.handleSubscription(evt)
	case "deploy":
		c.handleDeploy(ctx, ref, evt)
	case "appView":
		c.handleAppView(evt)
	default:
		c.log.WithField("collection", evt.Collection).Warn("no route for collection")
	}
}

func (c *Controller) handleResource(ref atmodel.ResourceRef, evt watcher.Event) {
	if evt.Op == watcher.OpDelete {
		c.cfg.Store.Delete(ref)
		return
	}

	var body resourceRecordBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		c.log.WithError(err).WithField("ref", ref.Key()).Warn("malformed resource record, skipping")
		return
	}

	deps := make([]atmodel.ResourceRef, 0, len(body.Dependencies))
	for _, d := range body.Dependencies {
		depRef, err := atmodel.ParseResourceRef(d)
		if err != nil {
			c.log.WithError(err).Warn("malformed dependency reference, skipping")
			continue
		}
		deps = append(deps, depRef)
	}

	var codeBlob []byte
	if body.CodeBlob != "" {
		decoded, err := base64.StdEncoding.DecodeString(body.CodeBlob)
		if err != nil {
			c.log.WithError(err).Warn("malformed code blob, storing without it")
		} else {
			codeBlob = decoded
		}
	}

	kind := body.Kind
	if kind == "" {
		kind = evt.Collection
	}

	c.cfg.Store.Put(ref, resourcestore.Record{
		Kind:         kind,
		Body:         evt.Body,
		Dependencies: deps,
		CodeBlob:     codeBlob,
	})
}

func (c *Controller) handleSubscription(evt watcher.Event) {
	if evt.Op == watcher.OpDelete {
		return
	}
	var body subscriptionRecordBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		c.log.WithError(err).Warn("malformed subscription record, skipping")
		return
	}
	c.cfg.Subscriptions.Register(subscription.Definition{
		Name:             evt.RecordKey,
		Collection:       body.Collection,
		Filter:           body.Filter,
		ProjectionFields: body.ProjectionFields,
	})
}

func (c *Controller) handleDeploy(ctx context.Context, ref atmodel.ResourceRef, evt watcher.Event) {
	if evt.Op == watcher.OpDelete {
		if err := c.cfg.Orchestrator.RetireDeploy(ref); err != nil {
			c.log.WithError(err).WithField("deploy", ref.Key()).Warn("failed to retire deploy")
		}
		return
	}

	var body deployRecordBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		c.log.WithError(err).WithField("deploy", ref.Key()).Warn("malformed deploy record, skipping")
		return
	}

	if err := c.cfg.Orchestrator.ProcessDeploy(ctx, ref, orchestrator.DeployRecord{Endpoints: body.Endpoints}); err != nil {
		c.log.WithError(err).WithField("deploy", ref.Key()).Warn("deploy processing failed")
	}
}

func (c *Controller) handleAppView(evt watcher.Event) {
	if evt.Op == watcher.OpDelete {
		return
	}
	var body appViewRecordBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		c.log.WithError(err).Warn("malformed appView record, skipping")
		return
	}

	c.cfg.Orchestrator.ProcessAppView(orchestrator.AppViewRecord{
		Rules:     body.Rules,
		Endpoints: body.Endpoints,
	}, func(rules []atmodel.TrafficRule, endpoints []atmodel.DeployedEndpoint) {
		c.cfg.Router.RegisterAll(endpoints)
		if err := c.cfg.Shaper.UpdateRules(rules); err != nil {
			c.log.WithError(err).Warn("failed to apply traffic rules")
		}
	})
}
