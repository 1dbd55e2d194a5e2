package watcher

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avaast/appview/internal/platform/logging"
)

// relayFrame is the JSON-framed wire shape the relay WebSocket sends.
type relayFrame struct {
	Kind        string `json:"kind"`
	AuthorityID string `json:"authorityId"`
	TimeUS      int64  `json:"time_us"`
	Commit      *struct {
		Operation   string `json:"operation"`
		Collection  string `json:"collection"`
		RecordKey   string `json:"recordKey"`
		Body        json.RawMessage `json:"body,omitempty"`
		ContentHash string `json:"contentHash,omitempty"`
	} `json:"commit,omitempty"`
}

// relay implements the Relay transport mode: a JSON-framed WebSocket with
// capped exponential-backoff reconnect (1s, doubling, cap 30s; reset on open).
type relay struct {
	cfg   Config
	emit  func(Event)
	log   *logging.ContextLogger

	connMu sync.Mutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRelay(cfg Config, emit func(Event), log *logging.ContextLogger) *relay {
	return &relay{cfg: cfg, emit: emit, log: log.Component("relay")}
}

func (r *relay) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.connectionLoop()
	return nil
}

func (r *relay) Stop() error {
	r.cancel()
	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.connMu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *relay) connectionLoop() {
	defer r.wg.Done()

	initial := r.cfg.reconnectInitialDelay()
	max := r.cfg.reconnectMaxDelay()
	delay := initial

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		conn, err := r.connect()
		if err != nil {
			r.log.WithError(err).Warn("relay connection failed")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > max {
				delay = max
			}
			continue
		}

		// Successful open: reset the backoff delay for whatever reconnect
		// attempt follows this connection's eventual drop (§4.C).
		delay = initial
		r.readLoop(conn)
	}
}

func (r *relay) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(r.ctx, r.cfg.RelayURL, http.Header{})
	if err != nil {
		return nil, err
	}

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	r.log.Info("relay connected")
	return conn, nil
}

func (r *relay) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}

		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.log.WithError(err).Warn("malformed relay frame, skipping")
			continue
		}
		if frame.Kind != "commit" || frame.Commit == nil {
			continue
		}

		evt := Event{
			Op:          Op(frame.Commit.Operation),
			Collection:  frame.Commit.Collection,
			RecordKey:   frame.Commit.RecordKey,
			AuthorityID: frame.AuthorityID,
			ContentHash: frame.Commit.ContentHash,
			Body:        frame.Commit.Body,
		}
		r.emit(evt)
	}
}

func (c Config) reconnectInitialDelay() time.Duration {
	if c.ReconnectInitialDelay > 0 {
		return c.ReconnectInitialDelay
	}
	return time.Second
}

func (c Config) reconnectMaxDelay() time.Duration {
	if c.ReconnectMaxDelay > 0 {
		return c.ReconnectMaxDelay
	}
	return 30 * time.Second
}
