// Package watcher unifies the three PDS observation transports — relay,
// firehose, polling — behind one event stream (§4.C). Transports share a
// narrow interface rather than a class hierarchy (§9 Dynamic dispatch).
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avaast/appview/internal/cursorstore"
	"github.com/avaast/appview/internal/pdsresolver"
	"github.com/avaast/appview/internal/platform/logging"
)

// Op enumerates the three record mutation kinds a Watcher event can carry.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is the transport-independent shape every mode emits.
type Event struct {
	Op          Op
	Collection  string
	RecordKey   string
	AuthorityID string
	ContentHash string
	Body        []byte
}

// Handler consumes emitted events. Watcher errors never propagate to the
// handler — they are logged and drive reconnect internally (§7 Propagation).
type Handler func(Event)

// DefaultCollections is the fixed watched set under app.avaast.*, unioned with
// any application-supplied extras.
var DefaultCollections = []string{
	"computed", "function", "searchIndex", "subscription", "deploy", "appView",
}

// source is the narrow contract every transport implements. Relay, Firehose,
// and Polling do not share a base type — only this interface and the common
// event callback.
type source interface {
	Start(ctx context.Context) error
	Stop() error
}

// Config configures a Watcher.
type Config struct {
	RelayURL           string
	PDSBaseURL         string
	WatchedAuthorityID string
	ExtraCollections   []string

	PollInterval          time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	Resolver *pdsresolver.Resolver
	Cursors  *cursorstore.Store
	Logger   *logging.ContextLogger
}

// Watcher runs at most one transport at a time, selected per §4.C's policy.
type Watcher struct {
	cfg     Config
	log     *logging.ContextLogger
	handler Handler

	mu     sync.Mutex
	active source
}

// New builds a Watcher. handler is invoked for every emitted event.
func New(cfg Config, handler Handler) *Watcher {
	log := cfg.Logger
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	return &Watcher{cfg: cfg, log: log.Component("watcher"), handler: handler}
}

func (w *Watcher) collections() map[string]bool {
	set := make(map[string]bool, len(DefaultCollections)+len(w.cfg.ExtraCollections))
	for _, c := range DefaultCollections {
		set[c] = true
	}
	for _, c := range w.cfg.ExtraCollections {
		set[c] = true
	}
	return set
}

// emit filters by authority and collection before calling the handler (§4.C).
func (w *Watcher) emit(evt Event) {
	if evt.AuthorityID != w.cfg.WatchedAuthorityID {
		return
	}
	if !w.collections()[evt.Collection] {
		return
	}
	w.handler(evt)
}

// Start selects a transport per the mode-selection policy and runs it until
// the context is cancelled or Stop is called.
//
// 1. RelayURL configured → Relay mode.
// 2. Else attempt Firehose against the authoritative PDS.
// 3. On failure, fall through to Polling mode.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.RelayURL != "" {
		w.log.Info("selecting relay transport")
		r := newRelay(w.cfg, w.emit, w.log)
		w.active = r
		return r.Start(ctx)
	}

	w.log.Info("attempting firehose transport")
	f := newFirehose(w.cfg, w.emit, w.log)
	if err := f.Start(ctx); err != nil {
		w.log.WithError(err).Warn("firehose transport failed, falling back to polling")
		p := newPolling(w.cfg, w.emit, w.log)
		w.active = p
		return p.Start(ctx)
	}
	w.active = f
	return nil
}

// Stop terminates the active transport and closes its owned resources.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return nil
	}
	err := w.active.Stop()
	w.active = nil
	if err != nil {
		return fmt.Errorf("stop watcher transport: %w", err)
	}
	return nil
}
