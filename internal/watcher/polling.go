package watcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/avaast/appview/internal/pdsresolver"
	"github.com/avaast/appview/internal/platform/logging"
)

type pollRecord struct {
	RecordKey   string          `json:"recordKey"`
	ContentHash string          `json:"contentHash"`
	Body        json.RawMessage `json:"body,omitempty"`
}

type listRecordsResponse struct {
	Records []pollRecord `json:"records"`
}

// polling implements the Polling transport mode: at a fixed interval, list
// each watched collection and diff against the last-seen contentHash map.
type polling struct {
	cfg  Config
	emit func(Event)
	log  *logging.ContextLogger

	resolver *pdsresolver.Resolver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]map[string]string // collection -> recordKey -> contentHash
}

func newPolling(cfg Config, emit func(Event), log *logging.ContextLogger) *polling {
	return &polling{
		cfg:      cfg,
		emit:     emit,
		log:      log.Component("polling"),
		resolver: cfg.Resolver,
		seen:     make(map[string]map[string]string),
	}
}

func (p *polling) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.pollOnce()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.pollOnce()
			}
		}
	}()
	return nil
}

func (p *polling) Stop() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *polling) pollOnce() {
	collections := DefaultCollections
	if len(p.cfg.ExtraCollections) > 0 {
		collections = append(append([]string{}, DefaultCollections...), p.cfg.ExtraCollections...)
	}

	for _, collection := range collections {
		p.pollCollection(collection)
	}
}

func (p *polling) pollCollection(collection string) {
	data, err := p.resolver.ListRecords(p.ctx, p.cfg.WatchedAuthorityID, collection, 100)
	if err != nil {
		p.log.WithError(err).Warnf("poll failed for collection %s", collection)
		return
	}

	var resp listRecordsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		p.log.WithError(err).Warnf("malformed listRecords response for %s", collection)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev, hadPrev := p.seen[collection]
	if prev == nil {
		prev = make(map[string]string)
	}
	current := make(map[string]string, len(resp.Records))

	for _, rec := range resp.Records {
		current[rec.RecordKey] = rec.ContentHash
		oldHash, existed := prev[rec.RecordKey]

		var op Op
		switch {
		case !hadPrev:
			op = OpCreate
		case !existed:
			op = OpCreate
		case oldHash != rec.ContentHash:
			op = OpUpdate
		default:
			continue
		}

		p.emit(Event{
			Op:          op,
			Collection:  collection,
			RecordKey:   rec.RecordKey,
			AuthorityID: p.cfg.WatchedAuthorityID,
			ContentHash: rec.ContentHash,
			Body:        rec.Body,
		})
	}

	for key := range prev {
		if _, stillPresent := current[key]; !stillPresent {
			p.emit(Event{
				Op:          OpDelete,
				Collection:  collection,
				RecordKey:   key,
				AuthorityID: p.cfg.WatchedAuthorityID,
			})
		}
	}

	p.seen[collection] = current
}
