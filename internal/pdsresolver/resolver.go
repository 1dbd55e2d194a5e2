// Package pdsresolver maps a DID-like identifier to an HTTP base URL and fetches
// records/blobs from the resolved PDS, with a TTL cache and retrying HTTP calls
// (§4.B).
package pdsresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/pkg/atmodel"
)

const defaultTTL = 5 * time.Minute

// Resolver resolves DIDs to PDS base URLs and fetches records/blobs from them.
type Resolver struct {
	directoryURL string
	httpClient   *http.Client
	ttl          time.Duration
	log          *logging.ContextLogger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	baseURL   string
	expiresAt time.Time
}

// Config configures a Resolver.
type Config struct {
	DirectoryURL string // DID directory service, e.g. https://plc.directory
	TTL          time.Duration
	HTTPClient   *http.Client
	Logger       *logging.ContextLogger
}

func New(cfg Config) *Resolver {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	return &Resolver{
		directoryURL: cfg.DirectoryURL,
		httpClient:   client,
		ttl:          ttl,
		log:          log.Component("pdsresolver"),
		cache:        make(map[string]cacheEntry),
	}
}

// didDocument is the subset of a DID document this resolver needs.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

const atprotoServiceType = "AtprotoPersonalDataServer"

// ResolveBaseURL resolves did to its PDS base URL, consulting the TTL cache first.
func (r *Resolver) ResolveBaseURL(ctx context.Context, did string) (string, error) {
	r.mu.RLock()
	entry, ok := r.cache[did]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.baseURL, nil
	}

	doc, err := r.fetchDIDDocument(ctx, did)
	if err != nil {
		return "", err
	}

	var baseURL string
	for _, svc := range doc.Service {
		if svc.Type == atprotoServiceType {
			baseURL = svc.ServiceEndpoint
			break
		}
	}
	if baseURL == "" {
		return "", atmodel.NewUpstreamFailure(fmt.Sprintf("no %s service entry for %s", atprotoServiceType, did), nil)
	}

	r.mu.Lock()
	r.cache[did] = cacheEntry{baseURL: baseURL, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return baseURL, nil
}

func (r *Resolver) fetchDIDDocument(ctx context.Context, did string) (*didDocument, error) {
	var url string
	switch {
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		url = fmt.Sprintf("https://%s/.well-known/did.json", domain)
	case strings.HasPrefix(did, "did:plc:"):
		if r.directoryURL == "" {
			return nil, atmodel.NewInvalidRequest("no directory URL configured for did:plc resolution")
		}
		url = strings.TrimSuffix(r.directoryURL, "/") + "/" + did
	default:
		return nil, atmodel.NewInvalidRequest(fmt.Sprintf("unsupported DID method: %s", did))
	}

	var doc didDocument
	body, err := r.getWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, atmodel.NewUpstreamFailure("parse DID document", err)
	}
	return &doc, nil
}

// GetRecord fetches com.atproto.repo.getRecord from the authority's PDS.
func (r *Resolver) GetRecord(ctx context.Context, authorityID, collection, rkey string) ([]byte, error) {
	base, err := r.ResolveBaseURL(ctx, authorityID)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/xrpc/com.atproto.repo.getRecord?repo=%s&collection=%s&rkey=%s",
		strings.TrimSuffix(base, "/"), authorityID, collection, rkey)
	return r.getWithRetry(ctx, url)
}

// ListRecords fetches com.atproto.repo.listRecords from the authority's PDS.
func (r *Resolver) ListRecords(ctx context.Context, authorityID, collection string, limit int) ([]byte, error) {
	base, err := r.ResolveBaseURL(ctx, authorityID)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/xrpc/com.atproto.repo.listRecords?repo=%s&collection=%s&limit=%d",
		strings.TrimSuffix(base, "/"), authorityID, collection, limit)
	return r.getWithRetry(ctx, url)
}

// GetBlob fetches com.atproto.sync.getBlob by content hash.
func (r *Resolver) GetBlob(ctx context.Context, authorityID, contentHash string) ([]byte, error) {
	base, err := r.ResolveBaseURL(ctx, authorityID)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/xrpc/com.atproto.sync.getBlob?did=%s&cid=%s",
		strings.TrimSuffix(base, "/"), authorityID, contentHash)
	return r.getWithRetry(ctx, url)
}

// getWithRetry wraps a GET in 3-attempt, 500ms→5s exponential backoff.
func (r *Resolver) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(atmodel.NewInternalServerError("build request", err))
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, atmodel.NewUpstreamFailure("request failed", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, atmodel.NewUpstreamFailure("read response body", err)
		}

		if resp.StatusCode == http.StatusNotFound {
			return nil, backoff.Permanent(atmodel.NewMethodNotFound(url))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, atmodel.NewUpstreamFailure(fmt.Sprintf("status %d from %s", resp.StatusCode, url), nil)
		}
		return body, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		r.log.WithError(err).Warnf("fetch failed after retries: %s", url)
		return nil, atmodel.AsAtmodelError(err)
	}
	return result, nil
}
