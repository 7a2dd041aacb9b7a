package relay

import (
	"context"
	"flag"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"beatwave.audio/tabsync/coordinate"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

var testSecret = []byte("test secret")

func startTestRelay(t *testing.T, ctx context.Context) (*Relay, string) {
	r := NewRelayWithDefaults(ctx, testSecret)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	relayUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	return r, relayUrl
}

func mintTestToken(t *testing.T, userId string) string {
	byJwt, err := coordinate.MintSessionToken(testSecret, userId, coordinate.NewId(), 1*time.Hour)
	assert.Equal(t, err, nil)
	return byJwt
}

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

func waitFor(timeout time.Duration, condition func() bool) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return condition()
}

func TestRelayRoundTrip(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, relayUrl := startTestRelay(t, cancelCtx)
	defer r.Close()

	a := coordinate.NewRelayTransportWithDefaults(cancelCtx, relayUrl, mintTestToken(t, "u1"))
	defer a.Close()
	b := coordinate.NewRelayTransportWithDefaults(cancelCtx, relayUrl, mintTestToken(t, "u1"))
	defer b.Close()

	aLog := &receivedLog{}
	bLog := &receivedLog{}
	a.AddReceiveCallback(aLog.receive)
	b.AddReceiveCallback(bLog.receive)

	ok := waitFor(5*time.Second, func() bool {
		return r.ConnectionCount("u1") == 2
	})
	assert.Equal(t, ok, true)

	err := a.Send([]byte("hello"))
	assert.Equal(t, err, nil)

	ok = waitFor(5*time.Second, func() bool {
		return bLog.count() == 1
	})
	assert.Equal(t, ok, true)
	assert.Equal(t, string(bLog.last()), "hello")

	// the relay never reflects a message to its sender
	assert.Equal(t, aLog.count(), 0)
}

func TestRelayUserPartition(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, relayUrl := startTestRelay(t, cancelCtx)
	defer r.Close()

	a := coordinate.NewRelayTransportWithDefaults(cancelCtx, relayUrl, mintTestToken(t, "u1"))
	defer a.Close()
	b := coordinate.NewRelayTransportWithDefaults(cancelCtx, relayUrl, mintTestToken(t, "u2"))
	defer b.Close()

	bLog := &receivedLog{}
	b.AddReceiveCallback(bLog.receive)

	ok := waitFor(5*time.Second, func() bool {
		return r.ConnectionCount("u1") == 1 && r.ConnectionCount("u2") == 1
	})
	assert.Equal(t, ok, true)

	a.Send([]byte("hello"))

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, bLog.count(), 0)
}

func TestRelayRejectsBadToken(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, relayUrl := startTestRelay(t, cancelCtx)
	defer r.Close()

	badJwt, err := coordinate.MintSessionToken([]byte("other secret"), "u1", coordinate.NewId(), 1*time.Hour)
	assert.Equal(t, err, nil)

	a := coordinate.NewRelayTransportWithDefaults(cancelCtx, relayUrl, badJwt)
	defer a.Close()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, r.ConnectionCount("u1"), 0)
}

func TestRelayCoordinatorEndToEnd(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, relayUrl := startTestRelay(t, cancelCtx)
	defer r.Close()

	settings := coordinate.DefaultCoordinatorSettings()
	settings.HeartbeatInterval = 100 * time.Millisecond
	settings.TabTimeout = 2 * time.Second

	newTab := func() (*coordinate.Coordinator, error) {
		transport := coordinate.NewRelayTransportWithDefaults(cancelCtx, relayUrl, mintTestToken(t, "u1"))
		return coordinate.NewCoordinator(
			cancelCtx,
			"u1",
			&coordinate.Env{Transport: transport},
			settings,
		)
	}

	a, err := newTab()
	assert.Equal(t, err, nil)
	defer a.Destroy()
	b, err := newTab()
	assert.Equal(t, err, nil)
	defer b.Destroy()

	events := make(chan *coordinate.Event, 8)
	b.On(coordinate.MessageTypeOptimisticUpdate, func(event *coordinate.Event) {
		events <- event
	})

	ok := waitFor(5*time.Second, func() bool {
		return r.ConnectionCount("u1") == 2
	})
	assert.Equal(t, ok, true)

	a.BroadcastOptimisticUpdate(&coordinate.OptimisticUpdate{
		Id:      "up-1",
		Type:    "add",
		Section: "favorites",
	})

	select {
	case event := <-events:
		assert.Equal(t, event.Update.Id, "up-1")
		assert.Equal(t, event.Update.Type, "add")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for optimistic update")
	}

	// registries converge across processes the same way
	ok = waitFor(5*time.Second, func() bool {
		return len(a.ActiveTabs()) == 2 && len(b.ActiveTabs()) == 2
	})
	assert.Equal(t, ok, true)
}
