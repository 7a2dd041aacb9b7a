package coordinate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type TabRegistrySettings struct {
	// interval between self-heartbeat broadcasts
	HeartbeatInterval time.Duration
	// heartbeat silence before a peer is evicted
	TabTimeout time.Duration
}

// the defaults are configuration, not semantics. Eviction latency is
// bounded only by `TabTimeout` since there is no goodbye message.
func DefaultTabRegistrySettings() *TabRegistrySettings {
	return &TabRegistrySettings{
		HeartbeatInterval: 5 * time.Second,
		TabTimeout:        15 * time.Second,
	}
}

// TabRegistry tracks the set of live peer tabs via periodic heartbeats and
// this tab's own focus state. Each tab maintains its own local view of the
// registry; views converge via heartbeats, there is no shared storage.
//
// Departure is detected solely by heartbeat timeout. There is deliberately
// no goodbye broadcast on close.
type TabRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	dispatch *dispatcher

	settings *TabRegistrySettings

	stateLock sync.Mutex
	selfTab   TabDescriptor
	// peer tab id -> descriptor
	peers map[Id]*TabDescriptor

	closeOnce       sync.Once
	removeCallbacks []func()
}

func newTabRegistry(
	ctx context.Context,
	dispatch *dispatcher,
	env *Env,
	settings *TabRegistrySettings,
) *TabRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)

	focused := true
	if env.Focus != nil {
		focused = env.Focus.Focused()
	}

	registry := &TabRegistry{
		ctx:      cancelCtx,
		cancel:   cancel,
		dispatch: dispatch,
		settings: settings,
		selfTab: TabDescriptor{
			Id:            dispatch.tabId,
			Focused:       focused,
			Url:           env.Url,
			UserAgent:     env.UserAgent,
			LastHeartbeat: NowMillis(),
		},
		peers: map[Id]*TabDescriptor{},
	}

	registry.removeCallbacks = append(
		registry.removeCallbacks,
		dispatch.AddCallback(MessageTypeHeartbeat, registry.handleHeartbeat),
		dispatch.AddCallback(MessageTypeTabFocus, registry.handleFocusChange),
		dispatch.AddCallback(MessageTypeTabBlur, registry.handleFocusChange),
	)
	if env.Focus != nil {
		registry.removeCallbacks = append(
			registry.removeCallbacks,
			env.Focus.AddFocusCallback(registry.setFocused),
		)
	}

	// initial heartbeat, so peers learn about this tab immediately
	registry.publishHeartbeat()
	go registry.run()

	return registry
}

func (self *TabRegistry) run() {
	defer self.cancel()

	heartbeat := time.NewTicker(self.settings.HeartbeatInterval)
	defer heartbeat.Stop()

	// eviction is checked at least as often as the timeout
	cleanupInterval := self.settings.TabTimeout / 2
	if cleanupInterval <= 0 {
		cleanupInterval = self.settings.TabTimeout
	}
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-heartbeat.C:
			self.publishHeartbeat()
		case <-cleanup.C:
			self.evictExpired()
		}
	}
}

func (self *TabRegistry) publishHeartbeat() {
	self.stateLock.Lock()
	self.selfTab.LastHeartbeat = NowMillis()
	selfTab := self.selfTab
	self.stateLock.Unlock()

	self.dispatch.Publish(MessageTypeHeartbeat, &selfTab)
}

func (self *TabRegistry) handleHeartbeat(envelope *Envelope) {
	peerTab := &TabDescriptor{}
	if err := json.Unmarshal(envelope.Payload, peerTab); err != nil {
		glog.V(2).Infof("[reg]drop malformed heartbeat = %s\n", err)
		return
	}
	if (peerTab.Id == Id{}) || peerTab.Id == self.dispatch.tabId {
		return
	}

	// the heartbeat time is stamped locally at receipt so that peer clock
	// skew cannot defer eviction. lastHeartbeat never decreases.
	now := NowMillis()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if existing, ok := self.peers[peerTab.Id]; ok {
		existing.Focused = peerTab.Focused
		existing.Url = peerTab.Url
		existing.UserAgent = peerTab.UserAgent
		if existing.LastHeartbeat < now {
			existing.LastHeartbeat = now
		}
	} else {
		peerTab.LastHeartbeat = now
		self.peers[peerTab.Id] = peerTab
		glog.V(1).Infof("[reg]tab %s joined\n", peerTab.Id)
	}
}

// peer focus is informational only. It is not mutually exclusive across the
// registry because focus observation is local to each browser window.
func (self *TabRegistry) handleFocusChange(envelope *Envelope) {
	focusChange := &FocusChange{}
	if err := json.Unmarshal(envelope.Payload, focusChange); err != nil {
		glog.V(2).Infof("[reg]drop malformed focus change = %s\n", err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if peerTab, ok := self.peers[focusChange.TabId]; ok {
		peerTab.Focused = envelope.Type == MessageTypeTabFocus
	}
}

func (self *TabRegistry) setFocused(focused bool) {
	self.stateLock.Lock()
	changed := self.selfTab.Focused != focused
	self.selfTab.Focused = focused
	tabId := self.selfTab.Id
	self.stateLock.Unlock()

	if !changed {
		return
	}
	if focused {
		self.dispatch.Publish(MessageTypeTabFocus, &FocusChange{TabId: tabId})
	} else {
		self.dispatch.Publish(MessageTypeTabBlur, &FocusChange{TabId: tabId})
	}
}

// silent garbage collection. eviction is a hygiene operation, not a
// business event, so no public event is emitted.
func (self *TabRegistry) evictExpired() {
	now := NowMillis()
	expired := now - self.settings.TabTimeout.Milliseconds()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for tabId, peerTab := range self.peers {
		if peerTab.LastHeartbeat < expired {
			delete(self.peers, tabId)
			glog.V(1).Infof("[reg]tab %s evicted\n", tabId)
		}
	}
}

// snapshot of all live tabs, self included, ordered by tab id
func (self *TabRegistry) ActiveTabs() []TabDescriptor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tabs := make([]TabDescriptor, 0, 1+len(self.peers))
	tabs = append(tabs, self.selfTab)
	for _, peerTab := range maps.Values(self.peers) {
		tabs = append(tabs, *peerTab)
	}
	slices.SortFunc(tabs, func(a TabDescriptor, b TabDescriptor) int {
		if a.Id.LessThan(b.Id) {
			return -1
		} else if b.Id.LessThan(a.Id) {
			return 1
		}
		return 0
	})
	return tabs
}

func (self *TabRegistry) IsFocused() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.selfTab.Focused
}

func (self *TabRegistry) CurrentTab() TabDescriptor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.selfTab
}

func (self *TabRegistry) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		for _, removeCallback := range self.removeCallbacks {
			removeCallback()
		}
	})
}
