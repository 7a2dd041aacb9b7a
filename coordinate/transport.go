package coordinate

import (
	"errors"
	"sync"
)

// Transport delivers opaque serialized envelopes to all other live contexts
// bound to the same logical channel name.
//
// `Send` must return immediately; delivery to peers is always asynchronous.
// A transport is allowed to echo a sender's own message back to it
// (the storage fallback does) - the dispatcher filters self-delivery by
// message id, so transports do not need to guarantee suppression.
type Transport interface {
	// hands the serialized envelope to the underlying primitive.
	// errors are advisory. the caller logs and swallows them.
	Send(envelopeBytes []byte) error

	// registers an inbound handler. multiple registrations allowed.
	// the returned func removes the handler.
	AddReceiveCallback(receiveCallback ReceiveFunction) func()

	// releases underlying resources. idempotent.
	Close()
}

type ReceiveFunction func(envelopeBytes []byte)

// the host capabilities a coordinator is constructed against. These are
// explicit injected dependencies, never ambient globals, so that
// independent coordinators (tests, multiple sessions) do not leak state
// into each other.
type Env struct {
	// preferred broadcast primitive. may be nil.
	Hub *BroadcastHub
	// shared store used as the fallback primitive. may be nil if `Hub` is set.
	Store *SharedStore
	// an explicitly constructed transport such as a relay transport.
	// when set, it takes precedence over the capability probe.
	Transport Transport
	// host focus/blur signal source. may be nil (tab reports focused).
	Focus FocusMonitor
	// descriptive only, carried in the tab descriptor
	Url       string
	UserAgent string
}

// capability probe, performed once at construction. Never panics.
// preference order: explicit transport, broadcast hub, shared store.
func selectTransport(env *Env, channelName string) (Transport, error) {
	if env == nil {
		return nil, errors.New("env is required")
	}
	if env.Transport != nil {
		return env.Transport, nil
	}
	if env.Hub != nil {
		return env.Hub.Transport(channelName), nil
	}
	if env.Store != nil {
		return newStorageTransport(env.Store, channelName), nil
	}
	return nil, errors.New("env has no transport primitive")
}

// host focus/blur signal source, e.g. window focus events
type FocusMonitor interface {
	// current focus state
	Focused() bool
	// registers a callback invoked on every focus/blur transition.
	// the returned func removes the callback.
	AddFocusCallback(focusCallback func(focused bool)) func()
}

// a trivial settable focus monitor for tests, simulators, and hosts
// without a native focus signal
type WindowFocus struct {
	stateLock sync.Mutex
	focused   bool

	focusCallbacks *CallbackList[func(bool)]
}

func NewWindowFocus(focused bool) *WindowFocus {
	return &WindowFocus{
		focused:        focused,
		focusCallbacks: NewCallbackList[func(bool)](),
	}
}

func (self *WindowFocus) Focused() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.focused
}

func (self *WindowFocus) SetFocused(focused bool) {
	self.stateLock.Lock()
	changed := self.focused != focused
	self.focused = focused
	self.stateLock.Unlock()

	if changed {
		for _, focusCallback := range self.focusCallbacks.Get() {
			func(focusCallback func(bool)) {
				safeCallback("focus", func() {
					focusCallback(focused)
				})
			}(focusCallback)
		}
	}
}

func (self *WindowFocus) AddFocusCallback(focusCallback func(focused bool)) func() {
	callbackId := self.focusCallbacks.Add(focusCallback)
	return func() {
		self.focusCallbacks.Remove(callbackId)
	}
}
