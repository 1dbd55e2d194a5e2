package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaast/appview/pkg/atmodel"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	recv   []map[string]interface{}
	closed bool
	fail   bool
}

func (f *fakeSubscriber) Send(data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assertErr
	}
	f.recv = append(f.recv, data)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriber) received() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}{}, f.recv...)
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var assertErr = &atmodel.Error{ErrKind: atmodel.KindInternalServerError, Message: "send failed"}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeUnknownNameErrors(t *testing.T) {
	m := New(nil)
	_, err := m.Subscribe("unknown", &fakeSubscriber{})
	assert.Error(t, err)
}

func TestNotifyDeliversToMatchingSubscription(t *testing.T) {
	m := New(nil)
	m.Register(Definition{Name: "newMessages", Collection: "chat.pirate.avast.message"})

	sub := &fakeSubscriber{}
	unsub, err := m.Subscribe("newMessages", sub)
	require.NoError(t, err)
	defer unsub()

	m.Notify("chat.pirate.avast.message", map[string]interface{}{"text": "ahoy"})

	waitFor(t, func() bool { return len(sub.received()) == 1 })
	assert.Equal(t, "ahoy", sub.received()[0]["data"].(map[string]interface{})["text"])
}

func TestNotifyIgnoresOtherCollections(t *testing.T) {
	m := New(nil)
	m.Register(Definition{Name: "newMessages", Collection: "chat.pirate.avast.message"})

	sub := &fakeSubscriber{}
	unsub, err := m.Subscribe("newMessages", sub)
	require.NoError(t, err)
	defer unsub()

	m.Notify("chat.pirate.avast.user", map[string]interface{}{"displayName": "Blackbeard"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.received())
}

func TestNotifyAppliesFilter(t *testing.T) {
	m := New(nil)
	one := int64(1)
	filter := &atmodel.Expression{
		Type:         atmodel.ExprComparison,
		ComparisonOp: atmodel.OpGt,
		Left:         &atmodel.Expression{Type: atmodel.ExprFieldRef, FieldPath: "priority"},
		Right:        &atmodel.Expression{Type: atmodel.ExprLiteral, IntegerValue: &one},
	}
	m.Register(Definition{Name: "urgent", Collection: "chat.pirate.avast.message", Filter: filter})

	sub := &fakeSubscriber{}
	unsub, err := m.Subscribe("urgent", sub)
	require.NoError(t, err)
	defer unsub()

	m.Notify("chat.pirate.avast.message", map[string]interface{}{"priority": int64(0)})
	m.Notify("chat.pirate.avast.message", map[string]interface{}{"priority": int64(5)})

	waitFor(t, func() bool { return len(sub.received()) == 1 })
	assert.Equal(t, int64(5), sub.received()[0]["data"].(map[string]interface{})["priority"])
}

func TestNotifyAppliesProjection(t *testing.T) {
	m := New(nil)
	m.Register(Definition{Name: "names", Collection: "chat.pirate.avast.user", ProjectionFields: []string{"displayName"}})

	sub := &fakeSubscriber{}
	unsub, err := m.Subscribe("names", sub)
	require.NoError(t, err)
	defer unsub()

	m.Notify("chat.pirate.avast.user", map[string]interface{}{"displayName": "Blackbeard", "secret": "treasure-map"})

	waitFor(t, func() bool { return len(sub.received()) == 1 })
	data := sub.received()[0]["data"].(map[string]interface{})
	assert.Equal(t, "Blackbeard", data["displayName"])
	_, hasSecret := data["secret"]
	assert.False(t, hasSecret)
}

func TestDetachClosesSubscriberOnSendFailure(t *testing.T) {
	m := New(nil)
	m.Register(Definition{Name: "newMessages", Collection: "chat.pirate.avast.message"})

	sub := &fakeSubscriber{fail: true}
	_, err := m.Subscribe("newMessages", sub)
	require.NoError(t, err)

	m.Notify("chat.pirate.avast.message", map[string]interface{}{"text": "ahoy"})

	waitFor(t, sub.isClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New(nil)
	m.Register(Definition{Name: "newMessages", Collection: "chat.pirate.avast.message"})

	sub := &fakeSubscriber{}
	unsub, err := m.Subscribe("newMessages", sub)
	require.NoError(t, err)

	unsub()
	waitFor(t, sub.isClosed)

	m.Notify("chat.pirate.avast.message", map[string]interface{}{"text": "ahoy"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.received())
}
