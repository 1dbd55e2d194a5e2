// Package gateway is the externally-facing HTTP surface: XRPC dispatch by
// endpoint kind, SSE subscription streaming, and an admin control API (§4.M).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/time/rate"

	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/internal/router"
	"github.com/avaast/appview/internal/shaper"
	"github.com/avaast/appview/internal/subscription"
	"github.com/avaast/appview/pkg/atmodel"
	"github.com/avaast/appview/version"
)

// Executor runs a resolved endpoint's query or function body against a
// selected deploy's manifest and returns the JSON-serialisable result.
type Executor interface {
	ExecuteComputed(ctx context.Context, deploy atmodel.ResourceRef, ep atmodel.DeployedEndpoint, params map[string]interface{}) (interface{}, error)
	ExecuteSearchIndex(ctx context.Context, deploy atmodel.ResourceRef, ep atmodel.DeployedEndpoint, params map[string]interface{}) (interface{}, error)
	ExecuteFunction(ctx context.Context, deploy atmodel.ResourceRef, ep atmodel.DeployedEndpoint, params map[string]interface{}) (interface{}, error)
}

// Config configures a Gateway.
type Config struct {
	ListenAddr        string
	AdminRateLimitRPS float64
	AdminJWTSecret    string
	Router            *router.Router
	Shaper            *shaper.Shaper
	Subscriptions     *subscription.Manager
	Executor          Executor
	Logger            *logging.ContextLogger
}

// Gateway wires the Echo HTTP server to the Router, Shaper, Subscription
// Manager, and an execution backend.
type Gateway struct {
	cfg Config
	e   *echo.Echo
	log *logging.ContextLogger

	startedAt time.Time

	cacheHits   int64
	cacheMisses int64
}

// New builds a Gateway and registers its routes. Call Start to serve.
func New(cfg Config) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	g := &Gateway{cfg: cfg, log: log.Component("gateway"), startedAt: time.Now()}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = g.errorHandler

	rps := cfg.AdminRateLimitRPS
	if rps <= 0 {
		rps = 20
	}

	e.Any("/xrpc/:name", g.handleXRPC)

	admin := e.Group("/admin")
	admin.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(rps))))
	if cfg.AdminJWTSecret != "" {
		admin.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey:  []byte(cfg.AdminJWTSecret),
			TokenLookup: "header:Authorization:Bearer ",
		}))
	}
	admin.POST("/endpoints", g.handleAdminEndpoints)
	admin.POST("/traffic", g.handleAdminTraffic)
	admin.GET("/status", g.handleAdminStatus)

	g.e = e
	return g
}

// Start runs the server, blocking until it stops or ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	addr := g.cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	errCh := make(chan error, 1)
	go func() { errCh <- g.e.Start(addr) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.e.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	if he, ok := err.(*echo.HTTPError); ok {
		kind := atmodel.KindInternalServerError
		switch {
		case he.Code == http.StatusNotFound:
			kind = atmodel.KindMethodNotFound
		case he.Code == http.StatusServiceUnavailable:
			kind = atmodel.KindServiceUnavailable
		case he.Code >= 400 && he.Code < 500:
			kind = atmodel.KindInvalidRequest
		}
		payload := map[string]string{
			"error":   string(kind),
			"message": fallbackString(he.Message),
		}
		if jsonErr := c.JSON(he.Code, payload); jsonErr != nil {
			g.log.WithError(jsonErr).Warn("failed to write error response")
		}
		return
	}

	ae := atmodel.AsAtmodelError(err)
	payload := map[string]string{"error": string(ae.ErrKind), "message": ae.Message}
	if jsonErr := c.JSON(ae.Status(), payload); jsonErr != nil {
		g.log.WithError(jsonErr).Warn("failed to write error response")
	}
}

func fallbackString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "request failed"
}

func (g *Gateway) handleXRPC(c echo.Context) error {
	name := c.Param("name")
	ep, err := g.cfg.Router.GetEndpoint(name)
	if err != nil {
		return err
	}

	switch ep.Kind {
	case atmodel.KindComputed, atmodel.KindSearchIndex:
		if c.Request().Method != http.MethodGet {
			return echo.NewHTTPError(http.StatusMethodNotAllowed, "computed/searchIndex endpoints require GET")
		}
		return g.dispatchQuery(c, ep)

	case atmodel.KindFunction:
		if c.Request().Method != http.MethodPost {
			return echo.NewHTTPError(http.StatusMethodNotAllowed, "function endpoints require POST")
		}
		return g.dispatchFunction(c, ep)

	case atmodel.KindSubscription:
		if c.Request().Method != http.MethodGet {
			return echo.NewHTTPError(http.StatusMethodNotAllowed, "subscription endpoints require GET")
		}
		if isWebSocketUpgrade(c.Request()) {
			return c.JSON(http.StatusNotImplemented, map[string]string{
				"error":   "unsupported_transport",
				"message": "WebSocket upgrades are not supported; connect over SSE at the same path",
			})
		}
		if !strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
			return atmodel.NewInvalidRequest("subscription endpoints require Accept: text/event-stream")
		}
		return g.handleSubscriptionSSE(c, ep)

	default:
		return atmodel.NewMethodNotFound(name)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (g *Gateway) params(c echo.Context) map[string]interface{} {
	params := make(map[string]interface{})
	for k, v := range c.QueryParams() {
		if len(v) == 1 {
			params[k] = v[0]
		} else {
			params[k] = v
		}
	}
	if c.Request().Method == http.MethodPost {
		var body map[string]interface{}
		if err := c.Bind(&body); err == nil {
			for k, v := range body {
				params[k] = v
			}
		}
	}
	return params
}

// stickyIdentity extracts the bearer token's issuer claim, unverified, to
// use as a sticky routing key. No signature check is performed here — the
// Gateway does not authenticate requests (§1 non-goal).
func stickyIdentity(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	tok, err := jwt.Parse([]byte(strings.TrimPrefix(auth, prefix)), jwt.WithVerify(false))
	if err != nil {
		return ""
	}
	return tok.Issuer()
}

func (g *Gateway) dispatchQuery(c echo.Context, ep atmodel.DeployedEndpoint) error {
	deploy, err := g.cfg.Shaper.SelectDeploy(stickyIdentity(c))
	if err != nil {
		return err
	}

	params := g.params(c)
	var result interface{}
	if ep.Kind == atmodel.KindSearchIndex {
		result, err = g.cfg.Executor.ExecuteSearchIndex(c.Request().Context(), deploy, ep, params)
	} else {
		result, err = g.cfg.Executor.ExecuteComputed(c.Request().Context(), deploy, ep, params)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (g *Gateway) dispatchFunction(c echo.Context, ep atmodel.DeployedEndpoint) error {
	deploy, err := g.cfg.Shaper.SelectDeploy(stickyIdentity(c))
	if err != nil {
		return err
	}
	result, err := g.cfg.Executor.ExecuteFunction(c.Request().Context(), deploy, ep, g.params(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (g *Gateway) handleSubscriptionSSE(c echo.Context, ep atmodel.DeployedEndpoint) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	subscriberID := uuid.NewString()
	writeEvent(res, "connected", map[string]interface{}{"subscriberId": subscriberID})
	res.Flush()

	sink := &sseSubscriber{res: res}
	unsubscribe, err := g.cfg.Subscriptions.Subscribe(ep.Name, sink)
	if err != nil {
		return err
	}
	defer unsubscribe()

	<-c.Request().Context().Done()
	return nil
}

type sseSubscriber struct {
	res *echo.Response
}

func (s *sseSubscriber) Send(data map[string]interface{}) error {
	writeEventWithID(s.res, "notification", data, time.Now().UnixMilli())
	s.res.Flush()
	return nil
}

func (s *sseSubscriber) Close() error { return nil }

func writeEvent(res *echo.Response, event string, data map[string]interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	res.Write([]byte("event: " + event + "\n"))
	res.Write([]byte("data: "))
	res.Write(body)
	res.Write([]byte("\n\n"))
}

func writeEventWithID(res *echo.Response, event string, data map[string]interface{}, id int64) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	res.Write([]byte("event: " + event + "\n"))
	res.Write([]byte("data: "))
	res.Write(body)
	res.Write([]byte("\n"))
	res.Write([]byte(fmt.Sprintf("id: %d\n\n", id)))
}

// --- Admin API ---

func (g *Gateway) handleAdminEndpoints(c echo.Context) error {
	var eps []atmodel.DeployedEndpoint
	if err := c.Bind(&eps); err != nil {
		return atmodel.NewInvalidRequest("malformed endpoint list: " + err.Error())
	}
	g.cfg.Router.RegisterAll(eps)
	return c.JSON(http.StatusOK, map[string]int{"registered": len(eps)})
}

func (g *Gateway) handleAdminTraffic(c echo.Context) error {
	var rules []atmodel.TrafficRule
	if err := c.Bind(&rules); err != nil {
		return atmodel.NewInvalidRequest("malformed traffic rules: " + err.Error())
	}
	if err := g.cfg.Shaper.UpdateRules(rules); err != nil {
		return atmodel.NewDeployValidationError([]string{err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]int{"rules": len(rules)})
}

// StatusResponse is the admin status surface. The endpoint count and the
// cache hit/miss counters are a supplemental richness beyond the base XRPC
// surface, useful for operators without exposing internal manifest contents.
type StatusResponse struct {
	Uptime           string             `json:"uptime"`
	UptimeSeconds    float64            `json:"uptimeSeconds"`
	EndpointCount    int                `json:"endpointCount"`
	TrafficRuleCount int                `json:"trafficRuleCount"`
	CacheHits        int64              `json:"cacheHits"`
	CacheMisses      int64              `json:"cacheMisses"`
	CacheHitRatio    float64            `json:"cacheHitRatio"`
	Build            *version.BuildInfo `json:"build"`
}

func (g *Gateway) handleAdminStatus(c echo.Context) error {
	hits := atomic.LoadInt64(&g.cacheHits)
	misses := atomic.LoadInt64(&g.cacheMisses)
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	uptime := time.Since(g.startedAt)
	return c.JSON(http.StatusOK, StatusResponse{
		Uptime:           humanize.RelTime(g.startedAt, time.Now(), "ago", ""),
		UptimeSeconds:    uptime.Seconds(),
		EndpointCount:    len(g.cfg.Router.GetEndpointNames()),
		TrafficRuleCount: len(g.cfg.Shaper.Rules()),
		CacheHits:        hits,
		CacheMisses:      misses,
		CacheHitRatio:    ratio,
		Build:            version.GetBuildInfo(),
	})
}

// RecordCacheHit and RecordCacheMiss let the Query Engine's cache layer feed
// the admin status surface's counters.
func (g *Gateway) RecordCacheHit()  { atomic.AddInt64(&g.cacheHits, 1) }
func (g *Gateway) RecordCacheMiss() { atomic.AddInt64(&g.cacheMisses, 1) }
