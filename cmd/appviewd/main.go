// Command appviewd wires the Cursor Store, PDS Resolver, Watcher, Change Log,
// Orchestrator, Query Engine, Traffic Shaper, Router, Subscription Manager,
// Controller, and Gateway together and runs the process until signalled to
// stop. This is a plain wiring main, not a CLI framework — flag parsing and
// config-file loading stay external collaborators per spec §1.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/avaast/appview/internal/changelog"
	"github.com/avaast/appview/internal/controller"
	"github.com/avaast/appview/internal/cursorstore"
	"github.com/avaast/appview/internal/execengine"
	"github.com/avaast/appview/internal/gateway"
	"github.com/avaast/appview/internal/manifest"
	"github.com/avaast/appview/internal/orchestrator"
	"github.com/avaast/appview/internal/pdsresolver"
	"github.com/avaast/appview/internal/platform/config"
	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/internal/queryengine"
	"github.com/avaast/appview/internal/querycache"
	"github.com/avaast/appview/internal/resourcestore"
	"github.com/avaast/appview/internal/router"
	"github.com/avaast/appview/internal/shaper"
	"github.com/avaast/appview/internal/subscription"
	"github.com/avaast/appview/internal/watcher"
	"github.com/avaast/appview/pkg/atmodel"
)

func main() {
	cursorPath := flag.String("cursor-db", "appview-cursors.db", "path to the bbolt cursor store")
	changelogDSN := flag.String("changelog-dsn", os.Getenv("APPVIEW_CHANGELOG_DSN"), "Postgres DSN for the change log")
	flag.Parse()

	log := logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)

	if err := run(*cursorPath, *changelogDSN, log); err != nil {
		log.WithError(err).Error("appviewd exited with error")
		os.Exit(1)
	}
}

func run(cursorPath, changelogDSN string, log *logging.ContextLogger) error {
	watcherCfg := config.LoadWatcherConfig("WATCHER")
	orchCfg := config.LoadOrchestratorConfig("ORCHESTRATOR")
	gatewayCfg := config.LoadGatewayConfig("GATEWAY")
	cacheCfg := config.LoadCacheConfig("CACHE")

	cursors, err := cursorstore.Open(cursorPath)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer cursors.Close()

	var changeLog *changelog.Log
	if changelogDSN != "" {
		changeLog, err = changelog.Open(changelogDSN)
		if err != nil {
			return fmt.Errorf("open change log: %w", err)
		}
	} else {
		log.Warn("no changelog DSN configured; :updates/:deletes source routing will fail")
	}

	resolver := pdsresolver.New(pdsresolver.Config{
		DirectoryURL: os.Getenv("APPVIEW_DID_DIRECTORY_URL"),
		Logger:       log,
	})

	store := resourcestore.New()
	resolverChain := storeThenPDS{store: store, resolver: resolver}

	trafficShaper := shaper.New()
	endpointRouter := router.New()
	subs := subscription.New(log)

	cache, err := querycache.New(querycache.Config{RedisURL: cacheCfg.RedisURL, TTL: cacheCfg.TTL, Capacity: cacheCfg.Capacity, Logger: log})
	if err != nil {
		return fmt.Errorf("connect query cache: %w", err)
	}
	defer cache.Close()

	orch := orchestrator.New(orchestrator.Config{
		MaxActiveDeploys: orchCfg.MaxActiveDeploys,
		Resolver:         resolverChain,
		Logger:           log,
		OnTransition: func(ref atmodel.ResourceRef, state atmodel.DeployState, mf *atmodel.DeployManifest) {
			if state != atmodel.StateActive || mf == nil {
				return
			}
			endpointRouter.RegisterAll(mf.Endpoints)
			log.WithField("deploy", ref.Key()).WithField("endpoints", len(mf.Endpoints)).Info("pushed manifest endpoints to router")
			if rules := trafficShaper.Rules(); len(rules) > 0 {
				if err := trafficShaper.UpdateRules(rules); err != nil {
					log.WithError(err).Warn("failed to re-apply traffic rules after endpoint push")
				}
			}
		},
	})

	dataSource := queryengine.DataSource{Live: pdsLiveFetcher(resolver)}
	if changeLog != nil {
		dataSource.Changelog = changeLog
	}

	engine := execengine.New(execengine.Config{
		Orchestrator: orch,
		Cache:        cache,
		DataSource:   dataSource,
		Logger:       log,
	})

	ctrl := controller.New(controller.Config{
		Store:         store,
		Subscriptions: subs,
		Orchestrator:  orch,
		Router:        endpointRouter,
		Shaper:        trafficShaper,
		Logger:        log,
	})

	gw := gateway.New(gateway.Config{
		ListenAddr:        gatewayCfg.ListenAddr,
		AdminRateLimitRPS: gatewayCfg.AdminRateLimitRPS,
		AdminJWTSecret:    gatewayCfg.AdminJWTSecret,
		Router:            endpointRouter,
		Shaper:            trafficShaper,
		Subscriptions:     subs,
		Executor:          engine,
		Logger:            log,
	})

	w := watcher.New(watcher.Config{
		RelayURL:              watcherCfg.RelayURL,
		PDSBaseURL:            watcherCfg.PDSBaseURL,
		WatchedAuthorityID:    watcherCfg.WatchedAuthorityID,
		ExtraCollections:      watcherCfg.ExtraCollections,
		PollInterval:          watcherCfg.PollInterval,
		ReconnectInitialDelay: watcherCfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     watcherCfg.ReconnectMaxDelay,
		Resolver:              resolver,
		Cursors:               cursors,
		Logger:                log,
	}, func(evt watcher.Event) {
		if changeLog != nil {
			if err := changeLog.Append(context.Background(), evt); err != nil {
				log.WithError(err).Warn("failed to append watcher event to change log")
			}
		}
		ctrl.HandleEvent(evt)
		if evt.Collection != "" {
			var record map[string]interface{}
			if json.Unmarshal(evt.Body, &record) == nil {
				subs.Notify(evt.Collection, record)
			}
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := w.Start(ctx); err != nil {
			log.WithError(err).Warn("watcher stopped")
		}
	}()
	defer w.Stop()

	log.WithField("addr", gatewayCfg.ListenAddr).Info("starting gateway")
	return gw.Start(ctx)
}

// storeThenPDS implements manifest.Resolver, preferring records already known
// to the in-memory resource store (populated by the Watcher/Controller) and
// falling back to a direct PDS fetch for references the store hasn't seen yet
// (§4.F: "either reading the in-memory store of known records or delegating
// to the PDS Resolver").
type storeThenPDS struct {
	store    *resourcestore.Store
	resolver *pdsresolver.Resolver
}

type recordEnvelope struct {
	Kind         string   `json:"kind"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func (s storeThenPDS) ResolveNode(ctx context.Context, ref atmodel.ResourceRef) (string, []atmodel.ResourceRef, error) {
	if kind, deps, err := s.store.ResolveNode(ctx, ref); err == nil {
		return kind, deps, nil
	}

	body, err := s.resolver.GetRecord(ctx, ref.AuthorityID, "app.avaast.resource", ref.ContentHash)
	if err != nil {
		return "", nil, err
	}
	var env recordEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, atmodel.NewUpstreamFailure("decode PDS record envelope for "+ref.Key(), err)
	}
	deps := make([]atmodel.ResourceRef, 0, len(env.Dependencies))
	for _, d := range env.Dependencies {
		if depRef, err := atmodel.ParseResourceRef(d); err == nil {
			deps = append(deps, depRef)
		}
	}
	return env.Kind, deps, nil
}

func (s storeThenPDS) FetchBody(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	if body, err := s.store.FetchBody(ctx, ref); err == nil {
		return body, nil
	}
	return s.resolver.GetRecord(ctx, ref.AuthorityID, "app.avaast.resource", ref.ContentHash)
}

func (s storeThenPDS) FetchCodeBlob(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	if blob, err := s.store.FetchCodeBlob(ctx, ref); err == nil {
		return blob, nil
	}
	return s.resolver.GetBlob(ctx, ref.AuthorityID, ref.ContentHash)
}

// listRecordsResponse is the subset of com.atproto.repo.listRecords' shape
// this adapter needs.
type listRecordsResponse struct {
	Records []struct {
		URI   string          `json:"uri"`
		CID   string          `json:"cid"`
		Value json.RawMessage `json:"value"`
	} `json:"records"`
}

// pdsLiveFetcher adapts the PDS Resolver's ListRecords call to the Query
// Engine's LiveFetcher contract, exposing the reserved synthetic fields
// "_uri"/"_cid" from each record's envelope (§4.I).
func pdsLiveFetcher(resolver *pdsresolver.Resolver) queryengine.LiveFetcher {
	return func(ctx context.Context, collection, authorityID string) ([]map[string]interface{}, error) {
		raw, err := resolver.ListRecords(ctx, authorityID, collection, 100)
		if err != nil {
			return nil, err
		}
		var parsed listRecordsResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, atmodel.NewUpstreamFailure("decode listRecords response", err)
		}
		out := make([]map[string]interface{}, 0, len(parsed.Records))
		for _, rec := range parsed.Records {
			var fields map[string]interface{}
			if err := json.Unmarshal(rec.Value, &fields); err != nil {
				continue
			}
			fields["_uri"] = rec.URI
			fields["_cid"] = rec.CID
			out = append(out, fields)
		}
		return out, nil
	}
}
