package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_RegisterLookupUnregister(t *testing.T) {
	b := New()
	defer b.Close()

	id := b.RegisterObject("bridge", map[string]MethodHandler{})
	if id == 0 {
		t.Fatalf("expected nonzero id")
	}

	got, ok := b.LookupObject("bridge")
	if !ok || got != id {
		t.Fatalf("LookupObject = %d, %v; want %d, true", got, ok, id)
	}

	b.UnregisterObject("bridge")
	if _, ok := b.LookupObject("bridge"); ok {
		t.Fatalf("object still resolvable after unregister")
	}
}

func TestBus_RegisterSameNameKeepsID(t *testing.T) {
	b := New()
	defer b.Close()

	id1 := b.RegisterObject("bridge", map[string]MethodHandler{})
	id2 := b.RegisterObject("bridge", map[string]MethodHandler{
		"create": func(p json.RawMessage) (json.RawMessage, error) { return nil, nil },
	})
	if id1 != id2 {
		t.Fatalf("re-registering a live name changed id: %d != %d", id1, id2)
	}
}

func TestBus_WatchObjectAdd(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var seen []string
	unregister := b.WatchObjectAdd(func(name string, id uint32) {
		mu.Lock()
		seen = append(seen, name)
		mu.Unlock()
	})
	defer unregister()

	b.RegisterObject("veth", map[string]MethodHandler{})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "veth" {
		t.Fatalf("watcher got %v, want [veth]", seen)
	}
}

type testSink struct {
	mu      sync.Mutex
	notifs  []string
	lost    bool
	lostCh  chan struct{}
	notifCh chan struct{}
}

func newTestSink() *testSink {
	return &testSink{lostCh: make(chan struct{}), notifCh: make(chan struct{}, 8)}
}

func (s *testSink) HandleNotification(typ string, payload json.RawMessage) {
	s.mu.Lock()
	s.notifs = append(s.notifs, typ)
	s.mu.Unlock()
	s.notifCh <- struct{}{}
}

func (s *testSink) HandlePeerLost() {
	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()
	close(s.lostCh)
}

func TestBus_SubscribeNotify(t *testing.T) {
	b := New()
	defer b.Close()

	id := b.RegisterObject("bridge", map[string]MethodHandler{})
	sink := newTestSink()
	if _, err := b.Subscribe(id, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Notify("bridge", "create", json.RawMessage(`{"name":"br-lan"}`))

	select {
	case <-sink.notifCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.notifs) != 1 || sink.notifs[0] != "create" {
		t.Fatalf("got notifications %v, want [create]", sink.notifs)
	}
}

func TestBus_SubscribeUnknownObject(t *testing.T) {
	b := New()
	defer b.Close()

	if _, err := b.Subscribe(999, newTestSink()); err == nil {
		t.Fatalf("expected error subscribing to unknown peer id")
	}
}

func TestBus_UnregisterNotifiesPeerLost(t *testing.T) {
	b := New()
	defer b.Close()

	id := b.RegisterObject("bridge", map[string]MethodHandler{})
	sink := newTestSink()
	if _, err := b.Subscribe(id, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.UnregisterObject("bridge")

	select {
	case <-sink.lostCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for peer-lost")
	}
}

func TestBus_InvokeAsyncSuccess(t *testing.T) {
	b := New()
	defer b.Close()

	id := b.RegisterObject("bridge", map[string]MethodHandler{
		"create": func(p json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	dataCh := make(chan json.RawMessage, 1)
	doneCh := make(chan Status, 1)
	_, err := b.InvokeAsync(id, "create", nil,
		func(data json.RawMessage) { dataCh <- data },
		func(status Status) { doneCh <- status })
	if err != nil {
		t.Fatalf("InvokeAsync: %v", err)
	}

	select {
	case status := <-doneCh:
		if status != StatusOK {
			t.Fatalf("got status %v, want StatusOK", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion")
	}
}

func TestBus_InvokeAsyncNoSuchObject(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.InvokeAsync(999, "create", nil, nil, nil)
	if err == nil {
		t.Fatalf("expected error invoking unknown peer id")
	}
}

func TestBus_InvokeAsyncNoSuchMethod(t *testing.T) {
	b := New()
	defer b.Close()

	id := b.RegisterObject("bridge", map[string]MethodHandler{})
	doneCh := make(chan Status, 1)
	_, err := b.InvokeAsync(id, "create", nil, nil, func(status Status) { doneCh <- status })
	if err == nil {
		t.Fatalf("expected error invoking unregistered method")
	}
	select {
	case status := <-doneCh:
		if status != StatusError {
			t.Fatalf("got status %v, want StatusError", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion callback")
	}
}

func TestBus_InvokeAsyncCancelSuppressesCallback(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	id := b.RegisterObject("bridge", map[string]MethodHandler{
		"create": func(p json.RawMessage) (json.RawMessage, error) {
			<-release
			return nil, nil
		},
	})

	called := make(chan struct{}, 1)
	pending, err := b.InvokeAsync(id, "create", nil, nil, func(status Status) { called <- struct{}{} })
	if err != nil {
		t.Fatalf("InvokeAsync: %v", err)
	}
	pending.Cancel()
	close(release)

	select {
	case <-called:
		t.Fatalf("completion callback fired after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_InvokeSync(t *testing.T) {
	b := New()
	defer b.Close()

	id := b.RegisterObject("bridge", map[string]MethodHandler{
		"dump_info": func(p json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ifname":"br-lan"}`), nil
		},
	})

	data, err := b.InvokeSync(id, "dump_info", nil)
	if err != nil {
		t.Fatalf("InvokeSync: %v", err)
	}
	if string(data) != `{"ifname":"br-lan"}` {
		t.Fatalf("got %s", data)
	}
}
