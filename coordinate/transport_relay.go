package coordinate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const RelayTransportBufferSize = 32

type RelayTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// RelayTransport carries envelopes between contexts in different processes
// through a relay websocket server (see the relay package). The relay
// treats envelope bytes as opaque and fans them out to the other
// connections of the same authenticated user, so user scoping and dedup
// still happen client-side in the dispatcher.
//
// The connection authenticates with a session token as its first message
// and reconnects with a timeout for as long as the transport is open.
// While disconnected, sends drop - this transport has the same best-effort
// semantics as the in-process primitives.
type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	byJwt    string

	settings *RelayTransportSettings

	send chan []byte

	closeOnce sync.Once

	receiveCallbacks *CallbackList[ReceiveFunction]
}

func NewRelayTransportWithDefaults(
	ctx context.Context,
	relayUrl string,
	byJwt string,
) *RelayTransport {
	return NewRelayTransport(ctx, relayUrl, byJwt, DefaultRelayTransportSettings())
}

func NewRelayTransport(
	ctx context.Context,
	relayUrl string,
	byJwt string,
	settings *RelayTransportSettings,
) *RelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RelayTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		relayUrl:         relayUrl,
		byJwt:            byJwt,
		settings:         settings,
		send:             make(chan []byte, RelayTransportBufferSize),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	go transport.run()
	return transport
}

func (self *RelayTransport) run() {
	defer self.cancel()

	for {
		ws, err := self.connect()
		if err != nil {
			glog.Infof("[rt]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RelayTransport) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(self.byJwt)); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if messageType, message, err := ws.ReadMessage(); err != nil {
		return nil, err
	} else {
		switch messageType {
		case websocket.TextMessage:
			if string(message) != "ok" {
				return nil, errors.New("auth response error")
			}
		default:
			return nil, errors.New("auth response error")
		}
	}

	success = true
	return ws, nil
}

func (self *RelayTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock a pending read on teardown
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-self.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// a deadline timeout cannot be recovered on a websocket
					glog.Infof("[rt]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rt]->\n")
			case <-time.After(self.settings.PingTimeout):
				// empty message keepalive
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[rt]<- error = %s\n", err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			glog.V(2).Infof("[rt]<-\n")
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				func(receiveCallback ReceiveFunction) {
					safeCallback("rt", func() {
						receiveCallback(message)
					})
				}(receiveCallback)
			}
		}
	}
}

func (self *RelayTransport) Send(envelopeBytes []byte) error {
	select {
	case <-self.ctx.Done():
		// closed. silent no-op, callers may still hold a reference.
		return nil
	case self.send <- envelopeBytes:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (self *RelayTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *RelayTransport) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.receiveCallbacks.Clear()
	})
}
