// Package subscription is the Subscription Manager: a name -> definition
// registry plus transport-neutral fan-out of watched events to subscriber
// connections. Fan-out never blocks the Watcher's event path — a slow or
// dead subscriber is closed and dropped rather than stalling delivery (§4.N,
// §5). Grounded on the non-blocking worker-loop shape of a generic job pool,
// adapted here to push instead of pull.
package subscription

import (
	"sync"
	"time"

	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/internal/queryengine"
	"github.com/avaast/appview/pkg/atmodel"
)

// Definition describes one registered subscription.
type Definition struct {
	Name             string
	Collection       string
	Filter           *atmodel.Expression
	ProjectionFields []string
}

// Subscriber is a transport-neutral sink: an SSE stream, a WebSocket, or a
// test double. Send must not block indefinitely; a Manager gives it a small
// buffered backlog and closes it if that backlog ever fills.
type Subscriber interface {
	Send(data map[string]interface{}) error
	Close() error
}

// Notification is the exact envelope sent to subscribers.
type Notification struct {
	Type         string                 `json:"type"`
	Subscription string                 `json:"subscription"`
	Data         map[string]interface{} `json:"data"`
	Timestamp    int64                  `json:"timestamp"`
}

const backlogSize = 64

type handle struct {
	sub    Subscriber
	ch     chan map[string]interface{}
	done   chan struct{}
	onDone func()
}

// Manager holds subscription definitions and their connected subscribers.
type Manager struct {
	log *logging.ContextLogger

	mu          sync.RWMutex
	definitions map[string]Definition
	subscribers map[string][]*handle
}

// New returns an empty Manager.
func New(log *logging.ContextLogger) *Manager {
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	return &Manager{
		log:         log.Component("subscription"),
		definitions: make(map[string]Definition),
		subscribers: make(map[string][]*handle),
	}
}

// Register adds or replaces a subscription definition.
func (m *Manager) Register(def Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.Name] = def
}

// Definitions returns every registered subscription definition.
func (m *Manager) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.definitions))
	for _, d := range m.definitions {
		out = append(out, d)
	}
	return out
}

// Subscribe attaches sub to the named subscription. Returns an error if the
// subscription is not registered. The returned unsubscribe func detaches and
// closes the subscriber.
func (m *Manager) Subscribe(name string, sub Subscriber) (unsubscribe func(), err error) {
	m.mu.Lock()
	if _, ok := m.definitions[name]; !ok {
		m.mu.Unlock()
		return nil, atmodel.NewMethodNotFound(name)
	}

	h := &handle{sub: sub, ch: make(chan map[string]interface{}, backlogSize), done: make(chan struct{})}
	m.subscribers[name] = append(m.subscribers[name], h)
	m.mu.Unlock()

	go m.drain(name, h)

	return func() { m.detach(name, h) }, nil
}

func (m *Manager) drain(name string, h *handle) {
	for {
		select {
		case <-h.done:
			return
		case data := <-h.ch:
			notification := Notification{
				Type:         "subscription",
				Subscription: name,
				Data:         data,
				Timestamp:    time.Now().Unix(),
			}
			if err := h.sub.Send(map[string]interface{}{
				"type":         notification.Type,
				"subscription": notification.Subscription,
				"data":         notification.Data,
				"timestamp":    notification.Timestamp,
			}); err != nil {
				m.log.WithError(err).WithField("subscription", name).Warn("subscriber send failed, closing")
				m.detach(name, h)
				return
			}
		}
	}
}

func (m *Manager) detach(name string, h *handle) {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	h.sub.Close()

	m.mu.Lock()
	handles := m.subscribers[name]
	for i, x := range handles {
		if x == h {
			m.subscribers[name] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// Notify filters and projects a raw event record through every subscription
// registered on collection, fanning it out to connected subscribers without
// blocking. A full backlog drops the subscriber rather than stalling Notify.
func (m *Manager) Notify(collection string, record map[string]interface{}) {
	m.mu.RLock()
	defs := make([]Definition, 0, len(m.definitions))
	for _, d := range m.definitions {
		if d.Collection == collection {
			defs = append(defs, d)
		}
	}
	m.mu.RUnlock()

	for _, def := range defs {
		match, err := queryengine.EvaluateBool(def.Filter, record)
		if err != nil {
			m.log.WithError(err).WithField("subscription", def.Name).Warn("filter evaluation failed, skipping event")
			continue
		}
		if !match {
			continue
		}

		projected := project(record, def.ProjectionFields)

		m.mu.RLock()
		handles := append([]*handle{}, m.subscribers[def.Name]...)
		m.mu.RUnlock()

		for _, h := range handles {
			select {
			case h.ch <- projected:
			default:
				m.log.WithField("subscription", def.Name).Warn("subscriber backlog full, dropping slow consumer")
				m.detach(def.Name, h)
			}
		}
	}
}

func project(record map[string]interface{}, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		return record
	}
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := record[f]; ok {
			out[f] = v
		}
	}
	return out
}
