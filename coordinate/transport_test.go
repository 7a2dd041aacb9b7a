package coordinate

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type receivedLog struct {
	mutex    sync.Mutex
	messages [][]byte
}

func (self *receivedLog) receive(envelopeBytes []byte) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.messages = append(self.messages, envelopeBytes)
}

func (self *receivedLog) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.messages)
}

func (self *receivedLog) last() []byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.messages) == 0 {
		return nil
	}
	return self.messages[len(self.messages)-1]
}

func (self *receivedLog) all() [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([][]byte, len(self.messages))
	copy(out, self.messages)
	return out
}

func TestBroadcastHubDelivery(t *testing.T) {
	hub := NewBroadcastHub()

	a := hub.Transport("test")
	b := hub.Transport("test")
	c := hub.Transport("other")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	aLog := &receivedLog{}
	bLog := &receivedLog{}
	cLog := &receivedLog{}
	a.AddReceiveCallback(aLog.receive)
	b.AddReceiveCallback(bLog.receive)
	c.AddReceiveCallback(cLog.receive)

	err := a.Send([]byte("hello"))
	assert.Equal(t, err, nil)

	time.Sleep(100 * time.Millisecond)

	// delivered to the same channel peer only, never back to the sender
	assert.Equal(t, aLog.count(), 0)
	assert.Equal(t, bLog.count(), 1)
	assert.Equal(t, string(bLog.last()), "hello")
	assert.Equal(t, cLog.count(), 0)
}

func TestBroadcastHubSenderOrder(t *testing.T) {
	hub := NewBroadcastHub()

	a := hub.Transport("test")
	b := hub.Transport("test")
	defer a.Close()
	defer b.Close()

	bLog := &receivedLog{}
	b.AddReceiveCallback(bLog.receive)

	for i := 0; i < 8; i += 1 {
		a.Send([]byte{byte(i)})
	}

	time.Sleep(100 * time.Millisecond)

	// per sender order holds on the preferred transport
	assert.Equal(t, bLog.count(), 8)
	for i, message := range bLog.all() {
		assert.Equal(t, message[0], byte(i))
	}
}

func TestBroadcastHubClose(t *testing.T) {
	hub := NewBroadcastHub()

	a := hub.Transport("test")
	b := hub.Transport("test")

	bLog := &receivedLog{}
	b.AddReceiveCallback(bLog.receive)

	b.Close()
	// idempotent
	b.Close()

	err := a.Send([]byte("hello"))
	assert.Equal(t, err, nil)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, bLog.count(), 0)

	// send after close is a silent no-op
	err = b.Send([]byte("late"))
	assert.Equal(t, err, nil)

	a.Close()
}

func TestSharedStoreWatch(t *testing.T) {
	store := NewSharedStore()

	type change struct {
		key   string
		value []byte
	}
	var mutex sync.Mutex
	changes := []change{}
	removeWatcher := store.AddWatcher(func(key string, value []byte) {
		mutex.Lock()
		defer mutex.Unlock()
		changes = append(changes, change{key: key, value: value})
	})
	defer removeWatcher()

	// a set immediately followed by a remove still delivers the set
	// payload. payloads are self-contained, never read back from the store.
	store.Set("k", []byte("v"))
	store.Remove("k")

	time.Sleep(100 * time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, len(changes), 2)
	assert.Equal(t, changes[0].key, "k")
	assert.Equal(t, string(changes[0].value), "v")
	assert.Equal(t, changes[1].value, nil)
}

func TestStorageTransportDelivery(t *testing.T) {
	store := NewSharedStore()

	a := newStorageTransport(store, "test")
	b := newStorageTransport(store, "test")
	c := newStorageTransport(store, "other")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	bLog := &receivedLog{}
	cLog := &receivedLog{}
	b.AddReceiveCallback(bLog.receive)
	c.AddReceiveCallback(cLog.receive)

	err := a.Send([]byte("hello"))
	assert.Equal(t, err, nil)

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, bLog.count(), 1)
	assert.Equal(t, string(bLog.last()), "hello")
	// reserved namespace per channel
	assert.Equal(t, cLog.count(), 0)

	// no signaling key persists in the store
	for _, key := range store.Keys() {
		assert.Equal(t, strings.HasPrefix(key, storageKeyPrefix), false)
	}
}

func TestStorageTransportIgnoresPersistence(t *testing.T) {
	store := NewSharedStore()

	a := newStorageTransport(store, "test")
	defer a.Close()

	aLog := &receivedLog{}
	a.AddReceiveCallback(aLog.receive)

	// ordinary persistence traffic on the same store is not transport
	// signaling
	store.Set("favorites/fav-1", []byte(`{"beatId":123}`))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, aLog.count(), 0)

	value, ok := store.Get("favorites/fav-1")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `{"beatId":123}`)
}

func TestSelectTransport(t *testing.T) {
	hub := NewBroadcastHub()
	store := NewSharedStore()

	// explicit transport wins
	explicit := hub.Transport("explicit")
	transport, err := selectTransport(&Env{Transport: explicit, Hub: hub, Store: store}, "test")
	assert.Equal(t, err, nil)
	assert.Equal(t, transport, explicit)

	// hub preferred over store
	transport, err = selectTransport(&Env{Hub: hub, Store: store}, "test")
	assert.Equal(t, err, nil)
	_, ok := transport.(*channelTransport)
	assert.Equal(t, ok, true)
	transport.Close()

	// store fallback is automatic and silent
	transport, err = selectTransport(&Env{Store: store}, "test")
	assert.Equal(t, err, nil)
	_, ok = transport.(*storageTransport)
	assert.Equal(t, ok, true)
	transport.Close()

	// no primitive is a construction error
	_, err = selectTransport(&Env{}, "test")
	assert.NotEqual(t, err, nil)
	_, err = selectTransport(nil, "test")
	assert.NotEqual(t, err, nil)

	explicit.Close()
}

func TestWindowFocus(t *testing.T) {
	focus := NewWindowFocus(true)
	assert.Equal(t, focus.Focused(), true)

	var mutex sync.Mutex
	transitions := []bool{}
	removeCallback := focus.AddFocusCallback(func(focused bool) {
		mutex.Lock()
		defer mutex.Unlock()
		transitions = append(transitions, focused)
	})

	focus.SetFocused(false)
	// no transition, no callback
	focus.SetFocused(false)
	focus.SetFocused(true)

	assert.Equal(t, focus.Focused(), true)

	mutex.Lock()
	assert.Equal(t, transitions, []bool{false, true})
	mutex.Unlock()

	removeCallback()
	focus.SetFocused(false)
	mutex.Lock()
	assert.Equal(t, len(transitions), 2)
	mutex.Unlock()
}
