package coordinate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// reserved key namespace for transport signaling. The store is also used
// for ordinary persistence, so signaling keys must never collide with
// application keys.
const storageKeyPrefix = "__tabsync/"

const storageWatcherBufferSize = 32

type storageEvent struct {
	key string
	// nil on remove
	value []byte
}

type StorageWatchFunction func(key string, value []byte)

// SharedStore is the injectable analog of the shared key/value store
// (web storage) used as the fallback transport primitive. Watchers observe
// change notifications for every `Set` and `Remove`. Notifications are
// asynchronous and carry the written value, so a set immediately followed
// by a remove of the same key still delivers the set payload - payloads are
// self-contained, never reconstructed from key history.
//
// Unlike the broadcast hub, the store notifies *all* watchers including the
// writer's own. Self-delivery is filtered upstream by the dispatcher.
type SharedStore struct {
	stateLock sync.Mutex
	values    map[string][]byte
	watchers  []*storeWatcher
}

func NewSharedStore() *SharedStore {
	return &SharedStore{
		values: map[string][]byte{},
	}
}

func (self *SharedStore) Get(key string) ([]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *SharedStore) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.values)
}

func (self *SharedStore) Set(key string, value []byte) {
	valueCopy := slices.Clone(value)

	self.stateLock.Lock()
	self.values[key] = valueCopy
	watchers := slices.Clone(self.watchers)
	self.stateLock.Unlock()

	self.notify(watchers, storageEvent{key: key, value: valueCopy})
}

func (self *SharedStore) Remove(key string) {
	self.stateLock.Lock()
	_, ok := self.values[key]
	delete(self.values, key)
	watchers := slices.Clone(self.watchers)
	self.stateLock.Unlock()

	if ok {
		self.notify(watchers, storageEvent{key: key, value: nil})
	}
}

func (self *SharedStore) notify(watchers []*storeWatcher, event storageEvent) {
	for _, watcher := range watchers {
		select {
		case watcher.events <- event:
		case <-watcher.done:
		default:
			glog.V(1).Infof("[store]drop notification %s (watcher backlog)\n", event.key)
		}
	}
}

// registers a change watcher. the returned func removes it.
func (self *SharedStore) AddWatcher(watchCallback StorageWatchFunction) func() {
	watcher := &storeWatcher{
		callback: watchCallback,
		events:   make(chan storageEvent, storageWatcherBufferSize),
		done:     make(chan struct{}),
	}
	go watcher.pump()

	self.stateLock.Lock()
	self.watchers = append(self.watchers, watcher)
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		i := slices.Index(self.watchers, watcher)
		if 0 <= i {
			self.watchers = slices.Delete(slices.Clone(self.watchers), i, i+1)
		}
		self.stateLock.Unlock()
		watcher.close()
	}
}

type storeWatcher struct {
	callback  StorageWatchFunction
	events    chan storageEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (self *storeWatcher) pump() {
	for {
		select {
		case <-self.done:
			return
		case event := <-self.events:
			safeCallback("store", func() {
				self.callback(event.key, event.value)
			})
		}
	}
}

func (self *storeWatcher) close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}

// storageTransport writes each envelope under a unique reserved key and
// immediately removes it. Receivers react to the set notification only;
// the remove is hygiene so the store does not accumulate signaling keys.
type storageTransport struct {
	store       *SharedStore
	channelName string

	closeOnce     sync.Once
	removeWatcher func()

	receiveCallbacks *CallbackList[ReceiveFunction]
}

func newStorageTransport(store *SharedStore, channelName string) *storageTransport {
	transport := &storageTransport{
		store:            store,
		channelName:      channelName,
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	transport.removeWatcher = store.AddWatcher(transport.watch)
	return transport
}

func (self *storageTransport) keyPrefix() string {
	return fmt.Sprintf("%s%s/", storageKeyPrefix, self.channelName)
}

func (self *storageTransport) Send(envelopeBytes []byte) error {
	key := fmt.Sprintf("%s%s", self.keyPrefix(), NewId())
	self.store.Set(key, envelopeBytes)
	self.store.Remove(key)
	return nil
}

func (self *storageTransport) watch(key string, value []byte) {
	if value == nil {
		// remove notification, payload already delivered on set
		return
	}
	if !strings.HasPrefix(key, self.keyPrefix()) {
		// ordinary persistence traffic
		return
	}
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		receiveCallback(value)
	}
}

func (self *storageTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *storageTransport) Close() {
	self.closeOnce.Do(func() {
		self.removeWatcher()
		self.receiveCallbacks.Clear()
	})
}
