package coordinate

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// the dispatcher turns outbound logical operations into stamped envelopes
// and inbound envelopes into at-most-once callbacks per message id within
// the dedup window. Duplicate suppression is best-effort hygiene, not
// exactly-once delivery: a duplicate arriving after the window re-triggers
// delivery.
type dispatcher struct {
	tabId  Id
	userId string

	transport Transport

	deduplicationWindow time.Duration

	stateLock sync.Mutex
	closed    bool
	// message id -> received time (unix ms)
	dedup map[Id]int64

	// message type -> subscribers
	callbacks map[MessageType]*CallbackList[EnvelopeFunction]

	removeReceiveCallback func()
}

type EnvelopeFunction func(envelope *Envelope)

func newDispatcher(
	tabId Id,
	userId string,
	transport Transport,
	deduplicationWindow time.Duration,
) *dispatcher {
	dispatch := &dispatcher{
		tabId:               tabId,
		userId:              userId,
		transport:           transport,
		deduplicationWindow: deduplicationWindow,
		dedup:               map[Id]int64{},
		callbacks:           map[MessageType]*CallbackList[EnvelopeFunction]{},
	}
	dispatch.removeReceiveCallback = transport.AddReceiveCallback(dispatch.handleInbound)
	return dispatch
}

// builds and sends a stamped envelope. The envelope id is inserted into the
// dedup cache before send, so an echoed or fallback-redelivered copy of our
// own message is filtered even when the transport does not suppress
// self-delivery natively. Transport errors are logged and swallowed - a
// failed broadcast must not crash the caller, the canonical state lives
// server-side.
func (self *dispatcher) Publish(messageType MessageType, payload any) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		glog.Infof("[dsp]encode %s error = %s\n", messageType, err)
		return
	}

	envelope := &Envelope{
		Id:        NewId(),
		Type:      messageType,
		SenderId:  self.tabId,
		UserId:    self.userId,
		Timestamp: NowMillis(),
		Payload:   payloadBytes,
	}
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		glog.Infof("[dsp]encode %s error = %s\n", messageType, err)
		return
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.insertDedup(envelope.Id, NowMillis())
	self.stateLock.Unlock()

	if err := self.transport.Send(envelopeBytes); err != nil {
		glog.Infof("[dsp]send %s error = %s\n", messageType, err)
		return
	}
	glog.V(2).Infof("[dsp]%s %s->\n", messageType, self.tabId)
}

// inbound handler. Never panics out - a corrupt message from one peer must
// not break delivery to or from other peers.
func (self *dispatcher) handleInbound(envelopeBytes []byte) {
	envelope := &Envelope{}
	if err := json.Unmarshal(envelopeBytes, envelope); err != nil {
		glog.V(2).Infof("[dsp]drop malformed envelope = %s\n", err)
		return
	}
	if (envelope.Id == Id{}) || envelope.Type == "" {
		glog.V(2).Infof("[dsp]drop incomplete envelope\n")
		return
	}
	if envelope.UserId != self.userId {
		// another session sharing the channel. silent.
		return
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	now := NowMillis()
	windowStart := now - self.deduplicationWindow.Milliseconds()
	if receivedAt, ok := self.dedup[envelope.Id]; ok && windowStart <= receivedAt {
		self.stateLock.Unlock()
		glog.V(2).Infof("[dsp]drop duplicate %s\n", envelope.Id)
		return
	}
	self.insertDedup(envelope.Id, now)
	callbackList, ok := self.callbacks[envelope.Type]
	self.stateLock.Unlock()

	glog.V(2).Infof("[dsp]%s ->%s\n", envelope.Type, self.tabId)

	if !ok {
		return
	}
	for _, envelopeCallback := range callbackList.Get() {
		func(envelopeCallback EnvelopeFunction) {
			safeCallback("dsp", func() {
				envelopeCallback(envelope)
			})
		}(envelopeCallback)
	}
}

// must be called with the state lock held.
// eviction is lazy on insert, which bounds memory and guarantees that
// duplicates arriving after the window re-trigger delivery.
func (self *dispatcher) insertDedup(messageId Id, receivedAt int64) {
	windowStart := receivedAt - self.deduplicationWindow.Milliseconds()
	for dedupMessageId, dedupReceivedAt := range self.dedup {
		if dedupReceivedAt < windowStart {
			delete(self.dedup, dedupMessageId)
		}
	}
	self.dedup[messageId] = receivedAt
}

// the returned func removes the callback
func (self *dispatcher) AddCallback(messageType MessageType, envelopeCallback EnvelopeFunction) func() {
	self.stateLock.Lock()
	callbackList, ok := self.callbacks[messageType]
	if !ok {
		callbackList = NewCallbackList[EnvelopeFunction]()
		self.callbacks[messageType] = callbackList
	}
	self.stateLock.Unlock()

	callbackId := callbackList.Add(envelopeCallback)
	return func() {
		callbackList.Remove(callbackId)
	}
}

func (self *dispatcher) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	callbackLists := maps.Values(self.callbacks)
	maps.Clear(self.dedup)
	self.stateLock.Unlock()

	self.removeReceiveCallback()
	for _, callbackList := range callbackLists {
		callbackList.Clear()
	}
}
