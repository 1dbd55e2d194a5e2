package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avaast/appview/internal/platform/logging"
)

const firehoseCursorKey = "firehose"

// firehoseFrame is the best-effort textual JSON shape consumed from the
// binary-framed firehose WebSocket; non-JSON (CBOR/CAR) frames are dropped
// (§9 open question — full CBOR/CAR decoding is not mandated by this contract).
type firehoseFrame struct {
	Seq         *int64 `json:"seq,omitempty"`
	Operation   string `json:"operation"`
	Collection  string `json:"collection"`
	RecordKey   string `json:"recordKey"`
	AuthorityID string `json:"authorityId"`
	ContentHash string `json:"contentHash,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// firehose implements the Firehose transport mode against the authoritative
// PDS. Non-decodable binary frames are ignored; textual JSON frames commit a
// sequence number (if present) to the Cursor Store under key "firehose".
type firehose struct {
	cfg  Config
	emit func(Event)
	log  *logging.ContextLogger

	connMu sync.Mutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newFirehose(cfg Config, emit func(Event), log *logging.ContextLogger) *firehose {
	return &firehose{cfg: cfg, emit: emit, log: log.Component("firehose")}
}

func (f *firehose) Start(ctx context.Context) error {
	if f.cfg.PDSBaseURL == "" {
		return fmt.Errorf("firehose: no PDS base URL configured")
	}

	f.ctx, f.cancel = context.WithCancel(ctx)

	// Dial once synchronously so Start's error return reflects the initial
	// attempt (the Watcher's mode-selection policy falls back to Polling on
	// this failure); subsequent drops are handled by the reconnect loop.
	if err := f.dial(); err != nil {
		f.cancel()
		return fmt.Errorf("firehose dial failed: %w", err)
	}

	f.wg.Add(1)
	go f.connectionLoop()
	return nil
}

func (f *firehose) dialURL() string {
	url := strings.TrimSuffix(f.cfg.PDSBaseURL, "/") + "/xrpc/com.atproto.sync.subscribeRepos"
	if f.cfg.Cursors != nil {
		if cursor, found, err := f.cfg.Cursors.Get(firehoseCursorKey); err == nil && found {
			url = fmt.Sprintf("%s?cursor=%d", url, cursor)
		}
	}
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)
	return url
}

func (f *firehose) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(f.ctx, f.dialURL(), http.Header{})
	if err != nil {
		return err
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	return nil
}

// connectionLoop reconnects on read failure with the same capped exponential
// backoff as Relay mode, resubscribing at the last persisted cursor each time
// so events replay without loss from that point forward (§4.C).
func (f *firehose) connectionLoop() {
	defer f.wg.Done()

	initial := f.cfg.reconnectInitialDelay()
	max := f.cfg.reconnectMaxDelay()
	delay := initial
	first := true

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		if !first {
			if err := f.dial(); err != nil {
				f.log.WithError(err).Warn("firehose reconnect failed")
				select {
				case <-f.ctx.Done():
					return
				case <-time.After(delay):
				}
				delay *= 2
				if delay > max {
					delay = max
				}
				continue
			}
		}
		first = false

		f.readLoop()
		delay = initial
	}
}

func (f *firehose) readLoop() {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			f.log.WithError(err).Warn("firehose connection closed")
			return
		}
		if msgType == websocket.BinaryMessage {
			// Undecodable binary repo-commit frame. Full CBOR/CAR decoding is
			// not implemented; callers relying on binary frames should fall
			// back to polling.
			continue
		}

		var frame firehoseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.Seq != nil && f.cfg.Cursors != nil {
			if err := f.cfg.Cursors.Set(firehoseCursorKey, *frame.Seq); err != nil {
				f.log.WithError(err).Warn("failed to persist firehose cursor")
			}
		}

		f.emit(Event{
			Op:          Op(frame.Operation),
			Collection:  frame.Collection,
			RecordKey:   frame.RecordKey,
			AuthorityID: frame.AuthorityID,
			ContentHash: frame.ContentHash,
			Body:        frame.Body,
		})
	}
}

func (f *firehose) Stop() error {
	f.cancel()
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()
	f.wg.Wait()
	return nil
}
