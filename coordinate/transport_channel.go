package coordinate

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

const ChannelTransportBufferSize = 32

// BroadcastHub is the in-process analog of the named broadcast channel
// primitive. Each call to `Transport` joins the named channel as one member.
// A sent envelope is delivered to every *other* member of the same channel,
// asynchronously via a per-member pump goroutine, effectively ordered per
// sender. Cross-sender ordering is not guaranteed and must not be relied on.
//
// A hub is an explicit object, never a process-wide singleton, so that
// independent coordinators do not leak state into each other.
type BroadcastHub struct {
	stateLock sync.Mutex
	// channel name -> members
	channels map[string][]*channelTransport
}

func NewBroadcastHub() *BroadcastHub {
	return &BroadcastHub{
		channels: map[string][]*channelTransport{},
	}
}

// joins the named channel and returns the member transport
func (self *BroadcastHub) Transport(channelName string) Transport {
	transport := &channelTransport{
		hub:              self,
		channelName:      channelName,
		deliver:          make(chan []byte, ChannelTransportBufferSize),
		done:             make(chan struct{}),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	go transport.pump()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.channels[channelName] = append(self.channels[channelName], transport)

	return transport
}

func (self *BroadcastHub) broadcast(sender *channelTransport, envelopeBytes []byte) {
	self.stateLock.Lock()
	members := slices.Clone(self.channels[sender.channelName])
	self.stateLock.Unlock()

	for _, member := range members {
		if member == sender {
			// the primitive suppresses self-delivery
			continue
		}
		select {
		case member.deliver <- envelopeBytes:
		case <-member.done:
		default:
			// the member is not draining. drop rather than block the sender.
			glog.V(1).Infof("[hub]drop %s (member backlog)\n", sender.channelName)
		}
	}
}

func (self *BroadcastHub) remove(transport *channelTransport) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	members := self.channels[transport.channelName]
	i := slices.Index(members, transport)
	if i < 0 {
		return
	}
	members = slices.Delete(slices.Clone(members), i, i+1)
	if len(members) == 0 {
		delete(self.channels, transport.channelName)
	} else {
		self.channels[transport.channelName] = members
	}
}

type channelTransport struct {
	hub         *BroadcastHub
	channelName string

	deliver chan []byte
	done    chan struct{}

	closeOnce sync.Once

	receiveCallbacks *CallbackList[ReceiveFunction]
}

func (self *channelTransport) pump() {
	for {
		select {
		case <-self.done:
			return
		case envelopeBytes := <-self.deliver:
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				func(receiveCallback ReceiveFunction) {
					safeCallback("hub", func() {
						receiveCallback(envelopeBytes)
					})
				}(receiveCallback)
			}
		}
	}
}

func (self *channelTransport) Send(envelopeBytes []byte) error {
	select {
	case <-self.done:
		// closed. silent no-op, callers may still hold a reference.
		return nil
	default:
	}
	self.hub.broadcast(self, envelopeBytes)
	return nil
}

func (self *channelTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *channelTransport) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
		self.hub.remove(self)
		self.receiveCallbacks.Clear()
	})
}
