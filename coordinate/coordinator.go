package coordinate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

const DefaultChannelName = "tabsync"

type CoordinatorSettings struct {
	// verbose logging of send/receive/eviction events
	Debug bool
	// logical channel name shared by all tabs of the deployment
	ChannelName string
	HeartbeatInterval   time.Duration
	TabTimeout          time.Duration
	DeduplicationWindow time.Duration
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	registrySettings := DefaultTabRegistrySettings()
	return &CoordinatorSettings{
		Debug:               false,
		ChannelName:         DefaultChannelName,
		HeartbeatInterval:   registrySettings.HeartbeatInterval,
		TabTimeout:          registrySettings.TabTimeout,
		DeduplicationWindow: 30 * time.Second,
	}
}

type EventFunction func(event *Event)

// a typed event delivered to subscribers. Exactly one payload field is set,
// matching `Type`.
type Event struct {
	Type      MessageType
	SenderId  Id
	Timestamp int64

	DataUpdate *DataUpdate
	Update     *OptimisticUpdate
	Rollback   *OptimisticRollback
	Focus      *FocusChange
	Sync       *SyncRequest
	Conflict   *ConflictResolution
}

type Subscription struct {
	remove func()
}

// wire payload wrappers
type optimisticUpdatePayload struct {
	Update *OptimisticUpdate `json:"update"`
}

// Coordinator is the object application code holds. It composes the
// transport, registry and dispatcher, exposes the event subscription API
// and the broadcast operations, and owns the lifecycle.
//
// Lifecycle is constructing -> active -> destroyed. The transition to
// active happens synchronously at the end of construction (self
// registration and initial heartbeat sent). Destroyed is terminal; after
// `Destroy` every broadcast method is a silent no-op, since callers may
// still hold a reference inside an in-flight callback.
//
// This layer is a best-effort cache-coherence hint system, not a source of
// truth: no delivery, ordering, or durability guarantees.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId   string
	settings *CoordinatorSettings

	transport Transport
	dispatch  *dispatcher
	registry  *TabRegistry

	stateLock sync.Mutex
	destroyed bool
	// event type -> subscribers
	eventCallbacks map[MessageType]*CallbackList[EventFunction]

	removeCallbacks []func()
}

func NewCoordinatorWithDefaults(
	ctx context.Context,
	userId string,
	env *Env,
) (*Coordinator, error) {
	return NewCoordinator(ctx, userId, env, DefaultCoordinatorSettings())
}

// `userId` scopes messages to one logical session, so that two sessions
// sharing a browser profile never cross-react even on a shared channel
// name. A missing `userId` is the only programmer error surfaced at
// construction besides a missing transport primitive.
func NewCoordinator(
	ctx context.Context,
	userId string,
	env *Env,
	settings *CoordinatorSettings,
) (*Coordinator, error) {
	if userId == "" {
		return nil, errors.New("userId is required")
	}

	transport, err := selectTransport(env, settings.ChannelName)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	tabId := NewId()
	dispatch := newDispatcher(tabId, userId, transport, settings.DeduplicationWindow)

	coordinator := &Coordinator{
		ctx:            cancelCtx,
		cancel:         cancel,
		userId:         userId,
		settings:       settings,
		transport:      transport,
		dispatch:       dispatch,
		eventCallbacks: map[MessageType]*CallbackList[EventFunction]{},
	}

	// bridge wire messages to typed public events
	for _, messageType := range []MessageType{
		MessageTypeDataUpdate,
		MessageTypeOptimisticUpdate,
		MessageTypeOptimisticRollback,
		MessageTypeTabFocus,
		MessageTypeTabBlur,
		MessageTypeSyncRequest,
	} {
		coordinator.removeCallbacks = append(
			coordinator.removeCallbacks,
			dispatch.AddCallback(messageType, coordinator.handleWireEvent),
		)
	}

	// the registry sends the initial heartbeat and starts the timers.
	// this is the transition to active.
	coordinator.registry = newTabRegistry(cancelCtx, dispatch, env, &TabRegistrySettings{
		HeartbeatInterval: settings.HeartbeatInterval,
		TabTimeout:        settings.TabTimeout,
	})

	coordinator.debugLog("[coord]tab %s active (user %s)", tabId, userId)

	return coordinator, nil
}

func (self *Coordinator) debugLog(format string, a ...any) {
	if self.settings.Debug {
		glog.Infof(format+"\n", a...)
	} else {
		glog.V(2).Infof(format+"\n", a...)
	}
}

func (self *Coordinator) isDestroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.destroyed
}

// decodes an inbound wire envelope into the typed event for subscribers.
// malformed payloads drop with a debug line, never panic.
func (self *Coordinator) handleWireEvent(envelope *Envelope) {
	event := &Event{
		Type:      envelope.Type,
		SenderId:  envelope.SenderId,
		Timestamp: envelope.Timestamp,
	}

	var err error
	switch envelope.Type {
	case MessageTypeDataUpdate:
		dataUpdate := &DataUpdate{}
		err = json.Unmarshal(envelope.Payload, dataUpdate)
		event.DataUpdate = dataUpdate
	case MessageTypeOptimisticUpdate:
		payload := &optimisticUpdatePayload{}
		err = json.Unmarshal(envelope.Payload, payload)
		event.Update = payload.Update
	case MessageTypeOptimisticRollback:
		rollback := &OptimisticRollback{}
		err = json.Unmarshal(envelope.Payload, rollback)
		event.Rollback = rollback
	case MessageTypeTabFocus, MessageTypeTabBlur:
		focusChange := &FocusChange{}
		err = json.Unmarshal(envelope.Payload, focusChange)
		event.Focus = focusChange
	case MessageTypeSyncRequest:
		syncRequest := &SyncRequest{}
		err = json.Unmarshal(envelope.Payload, syncRequest)
		event.Sync = syncRequest
	default:
		return
	}
	if err != nil {
		glog.V(2).Infof("[coord]drop malformed %s payload = %s\n", envelope.Type, err)
		return
	}

	self.emit(event)
}

func (self *Coordinator) emit(event *Event) {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	callbackList, ok := self.eventCallbacks[event.Type]
	self.stateLock.Unlock()

	if !ok {
		return
	}
	for _, eventCallback := range callbackList.Get() {
		func(eventCallback EventFunction) {
			safeCallback("coord", func() {
				eventCallback(event)
			})
		}(eventCallback)
	}
}

// informs peers that a named data section changed. `data` must be json
// encodable; anything else drops with a log line rather than surfacing an
// error, since a failed broadcast must not crash business logic.
func (self *Coordinator) BroadcastDataUpdate(section string, data any) {
	if self.isDestroyed() {
		return
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		glog.Infof("[coord]encode data update %s error = %s\n", section, err)
		return
	}
	self.debugLog("[coord]data update %s ->", section)
	self.dispatch.Publish(MessageTypeDataUpdate, &DataUpdate{
		Section: section,
		Data:    dataBytes,
	})
}

// propagates a not-yet-confirmed local mutation so peers can apply the
// same optimistic change before the server round trip completes. The
// update is carried verbatim, never interpreted.
func (self *Coordinator) BroadcastOptimisticUpdate(update *OptimisticUpdate) {
	if self.isDestroyed() || update == nil {
		return
	}
	self.debugLog("[coord]optimistic update %s ->", update.Id)
	self.dispatch.Publish(MessageTypeOptimisticUpdate, &optimisticUpdatePayload{
		Update: update,
	})
}

// informs peers that a previously broadcast optimistic update failed and
// must be undone
func (self *Coordinator) BroadcastOptimisticRollback(updateId string, reason string) {
	if self.isDestroyed() {
		return
	}
	self.debugLog("[coord]optimistic rollback %s ->", updateId)
	self.dispatch.Publish(MessageTypeOptimisticRollback, &OptimisticRollback{
		UpdateId: updateId,
		Reason:   reason,
	})
}

// asks peers to re-broadcast current state for the given sections, or all
// sections when none are given. Fire and forget: peers reply with ordinary
// data updates, there is no response correlation.
func (self *Coordinator) RequestSync(sections ...string) {
	if self.isDestroyed() {
		return
	}
	self.debugLog("[coord]sync request %v ->", sections)
	self.dispatch.Publish(MessageTypeSyncRequest, &SyncRequest{
		Sections: sections,
	})
}

// records a local resolution decision and emits a local conflict_resolved
// event. Not broadcast: conflict resolution is inherently per viewer.
func (self *Coordinator) ResolveConflict(conflictId string, resolution any) {
	if self.isDestroyed() {
		return
	}
	resolutionBytes, err := json.Marshal(resolution)
	if err != nil {
		glog.Infof("[coord]encode resolution %s error = %s\n", conflictId, err)
		return
	}
	self.debugLog("[coord]conflict resolved %s", conflictId)
	self.emit(&Event{
		Type:      MessageTypeConflictResolved,
		SenderId:  self.dispatch.tabId,
		Timestamp: NowMillis(),
		Conflict: &ConflictResolution{
			ConflictId: conflictId,
			Resolution: resolutionBytes,
		},
	})
}

// registers a handler for one event type. A handler may be registered to
// more than one event type independently.
func (self *Coordinator) On(messageType MessageType, eventCallback EventFunction) *Subscription {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return &Subscription{remove: func() {}}
	}
	callbackList, ok := self.eventCallbacks[messageType]
	if !ok {
		callbackList = NewCallbackList[EventFunction]()
		self.eventCallbacks[messageType] = callbackList
	}
	self.stateLock.Unlock()

	callbackId := callbackList.Add(eventCallback)
	return &Subscription{
		remove: func() {
			callbackList.Remove(callbackId)
		},
	}
}

func (self *Coordinator) Off(sub *Subscription) {
	if sub != nil && sub.remove != nil {
		sub.remove()
	}
}

// snapshot of all live tabs including self
func (self *Coordinator) ActiveTabs() []TabDescriptor {
	return self.registry.ActiveTabs()
}

func (self *Coordinator) IsFocusedTab() bool {
	return self.registry.IsFocused()
}

func (self *Coordinator) CurrentTab() TabDescriptor {
	return self.registry.CurrentTab()
}

func (self *Coordinator) UserId() string {
	return self.userId
}

// stops the timers, closes the transport, and clears subscriber lists.
// terminal and idempotent.
func (self *Coordinator) Destroy() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.destroyed = true
	callbackLists := maps.Values(self.eventCallbacks)
	maps.Clear(self.eventCallbacks)
	self.stateLock.Unlock()

	self.debugLog("[coord]tab %s destroyed", self.dispatch.tabId)

	self.cancel()
	self.registry.Close()
	for _, removeCallback := range self.removeCallbacks {
		removeCallback()
	}
	self.dispatch.Close()
	self.transport.Close()
	for _, callbackList := range callbackLists {
		callbackList.Clear()
	}
}
