package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/slices"

	"beatwave.audio/tabsync/coordinate"
)

type RelaySettings struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// heartbeat silence before a connection is dropped. clients ping at
	// least once per their ping timeout, so this is generous.
	ReadTimeout     time.Duration
	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		AuthTimeout:     2 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     15 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Relay fans envelope bytes out between the websocket connections of the
// same authenticated user. It never inspects envelope contents - user
// scoping and dedup stay client-side. A connection authenticates with a
// session token as its first message and is answered with "ok".
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	secret   []byte
	settings *RelaySettings

	upgrader *websocket.Upgrader

	stateLock sync.Mutex
	// user id -> connections
	users map[string][]*relayConn
}

func NewRelayWithDefaults(ctx context.Context, secret []byte) *Relay {
	return NewRelay(ctx, secret, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, secret []byte, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		secret:   secret,
		settings: settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
		},
		users: map[string][]*relayConn{},
	}
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}
	go self.handle(ws)
}

func (self *Relay) handle(ws *websocket.Conn) {
	defer ws.Close()

	// auth is the first message
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		glog.V(1).Infof("[relay]auth read error = %s\n", err)
		return
	}
	if messageType != websocket.TextMessage {
		glog.V(1).Infof("[relay]auth error = not a token\n")
		return
	}
	sessionToken, err := coordinate.ParseSessionToken(self.secret, string(message))
	if err != nil {
		glog.V(1).Infof("[relay]auth error = %s\n", err)
		return
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte("ok")); err != nil {
		return
	}

	conn := &relayConn{
		ws:     ws,
		userId: sessionToken.UserId,
	}
	self.add(conn)
	defer self.remove(conn)

	glog.V(1).Infof("[relay]connect user %s tab %s\n", sessionToken.UserId, sessionToken.TabId)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[relay]read error user %s = %s\n", conn.userId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(message) == 0 {
			// keepalive
			continue
		}
		self.broadcast(conn, message)
	}
}

func (self *Relay) add(conn *relayConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.users[conn.userId] = append(self.users[conn.userId], conn)
}

func (self *Relay) remove(conn *relayConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conns := self.users[conn.userId]
	i := slices.Index(conns, conn)
	if i < 0 {
		return
	}
	conns = slices.Delete(slices.Clone(conns), i, i+1)
	if len(conns) == 0 {
		delete(self.users, conn.userId)
	} else {
		self.users[conn.userId] = conns
	}
}

// fan out to the other connections of the same user. a failed write drops
// for that connection only - its own read loop will notice the broken
// socket and unregister it.
func (self *Relay) broadcast(sender *relayConn, message []byte) {
	self.stateLock.Lock()
	conns := slices.Clone(self.users[sender.userId])
	self.stateLock.Unlock()

	for _, conn := range conns {
		if conn == sender {
			continue
		}
		if err := conn.write(message, self.settings.WriteTimeout); err != nil {
			glog.V(1).Infof("[relay]write error user %s = %s\n", conn.userId, err)
		}
	}
}

// the number of live connections for a user
func (self *Relay) ConnectionCount(userId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.users[userId])
}

// serves until the context is done or the listener fails
func (self *Relay) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler: self,
	}
	go func() {
		<-self.ctx.Done()
		server.Close()
	}()

	glog.Infof("[relay]listening on %s\n", listener.Addr())
	return server.Serve(listener)
}

func (self *Relay) Close() {
	self.cancel()

	self.stateLock.Lock()
	conns := []*relayConn{}
	for _, userConns := range self.users {
		conns = append(conns, userConns...)
	}
	self.users = map[string][]*relayConn{}
	self.stateLock.Unlock()

	for _, conn := range conns {
		conn.ws.Close()
	}
}

type relayConn struct {
	ws     *websocket.Conn
	userId string

	// gorilla allows one concurrent writer per connection
	writeLock sync.Mutex
}

func (self *relayConn) write(message []byte, timeout time.Duration) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(timeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, message)
}
