package devicehandler

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/netifdevctl/netifdevctl/internal/bus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockLinkController is a hand-written test double in the teacher's
// mockFetcher style: a mutex-guarded recording of calls plus configurable
// failure injection, rather than a generated mock.
type mockLinkController struct {
	mu       sync.Mutex
	bridges  map[string]bool
	members  map[string]map[string]bool
	ensureErr error
}

func newMockLinkController() *mockLinkController {
	return &mockLinkController{
		bridges: make(map[string]bool),
		members: make(map[string]map[string]bool),
	}
}

func (c *mockLinkController) EnsureBridge(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ensureErr != nil {
		return c.ensureErr
	}
	c.bridges[name] = true
	return nil
}

func (c *mockLinkController) DeleteBridge(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bridges, name)
	delete(c.members, name)
	return nil
}

func (c *mockLinkController) SetUp(name string, up bool) error { return nil }

func (c *mockLinkController) AddMember(bridge, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.members[bridge] == nil {
		c.members[bridge] = make(map[string]bool)
	}
	c.members[bridge][member] = true
	return nil
}

func (c *mockLinkController) RemoveMember(bridge, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members[bridge], member)
	return nil
}

func (c *mockLinkController) hasMember(bridge, member string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[bridge][member]
}

type mockIsolationController struct {
	mu     sync.Mutex
	chains map[string]bool
	rules  map[string][]IsolationRule
}

func newMockIsolationController() *mockIsolationController {
	return &mockIsolationController{chains: make(map[string]bool), rules: make(map[string][]IsolationRule)}
}

func (c *mockIsolationController) EnsureChain(bridge string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[bridge] = true
	return nil
}

func (c *mockIsolationController) ApplyRules(bridge string, rules []IsolationRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[bridge] = rules
	return nil
}

func (c *mockIsolationController) DeleteChain(bridge string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chains, bridge)
	delete(c.rules, bridge)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drainNotifications lets any notifyLater timers scheduled by the calls
// above fire before the caller closes transport, avoiding a send on a
// closed bus loop channel.
func drainNotifications() {
	time.Sleep(notifyDelay + 20*time.Millisecond)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type collectingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *collectingSink) HandleNotification(typ string, payload json.RawMessage) {
	s.mu.Lock()
	s.calls = append(s.calls, typ)
	s.mu.Unlock()
}

func (s *collectingSink) HandlePeerLost() {}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestHandler_CreateConfirmsAndWiresMembers(t *testing.T) {
	transport := bus.New()
	defer transport.Close()

	link := newMockLinkController()
	isolation := newMockIsolationController()
	h := New(transport, "network.device.ubus.bridge", link, isolation, testLogger())
	id := h.Register()

	sink := &collectingSink{}
	if _, err := transport.Subscribe(id, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload, _ := json.Marshal(createPayload{
		Name:   "br-lan",
		Config: json.RawMessage(`{"ifname":["eth0"],"empty":false}`),
	})
	if _, err := transport.InvokeSync(id, "create", payload); err != nil {
		t.Fatalf("InvokeSync create: %v", err)
	}

	if !link.hasMember("br-lan", "eth0") {
		t.Fatalf("create should have enslaved eth0 into br-lan")
	}
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
}

func TestHandler_CreateIsolationAppliedWhenRequested(t *testing.T) {
	transport := bus.New()
	defer transport.Close()

	link := newMockLinkController()
	isolation := newMockIsolationController()
	h := New(transport, "network.device.ubus.bridge", link, isolation, testLogger())
	id := h.Register()

	payload, _ := json.Marshal(createPayload{
		Name:   "br-lan",
		Config: json.RawMessage(`{"ifname":["eth0"],"empty":false,"isolate_members":true}`),
	})
	if _, err := transport.InvokeSync(id, "create", payload); err != nil {
		t.Fatalf("InvokeSync create: %v", err)
	}

	isolation.mu.Lock()
	_, gotChain := isolation.chains["br-lan"]
	isolation.mu.Unlock()
	if !gotChain {
		t.Fatalf("isolate_members:true should ensure an nftables chain for br-lan")
	}
	drainNotifications()
}

func TestHandler_AddRemoveDumpInfoDumpStats(t *testing.T) {
	transport := bus.New()
	defer transport.Close()

	link := newMockLinkController()
	isolation := newMockIsolationController()
	h := New(transport, "network.device.ubus.bridge", link, isolation, testLogger())
	id := h.Register()

	createP, _ := json.Marshal(createPayload{Name: "br-lan", Config: json.RawMessage(`{"empty":true}`)})
	if _, err := transport.InvokeSync(id, "create", createP); err != nil {
		t.Fatalf("create: %v", err)
	}

	addP, _ := json.Marshal(memberPayload{Bridge: "br-lan", Member: "eth0"})
	if _, err := transport.InvokeSync(id, "add", addP); err != nil {
		t.Fatalf("add: %v", err)
	}

	infoRaw, err := transport.InvokeSync(id, "dump_info", mustMarshal(namePayload{Name: "br-lan"}))
	if err != nil {
		t.Fatalf("dump_info: %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal(infoRaw, &info); err != nil {
		t.Fatalf("unmarshal dump_info reply: %v", err)
	}
	members, ok := info["members"].([]any)
	if !ok || len(members) != 1 || members[0] != "eth0" {
		t.Fatalf("dump_info members = %#v, want [eth0]", info["members"])
	}

	statsRaw, err := transport.InvokeSync(id, "dump_stats", mustMarshal(namePayload{Name: "br-lan"}))
	if err != nil {
		t.Fatalf("dump_stats: %v", err)
	}
	var stats map[string]any
	if err := json.Unmarshal(statsRaw, &stats); err != nil {
		t.Fatalf("unmarshal dump_stats reply: %v", err)
	}
	if stats["n_members"] != float64(1) {
		t.Fatalf("n_members = %v, want 1", stats["n_members"])
	}

	remP, _ := json.Marshal(memberPayload{Bridge: "br-lan", Member: "eth0"})
	if _, err := transport.InvokeSync(id, "remove", remP); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if link.hasMember("br-lan", "eth0") {
		t.Fatalf("remove should have released eth0 from br-lan")
	}
	drainNotifications()
}

func TestHandler_FreeDeletesBridgeAndChain(t *testing.T) {
	transport := bus.New()
	defer transport.Close()

	link := newMockLinkController()
	isolation := newMockIsolationController()
	h := New(transport, "network.device.ubus.bridge", link, isolation, testLogger())
	id := h.Register()

	createP, _ := json.Marshal(createPayload{Name: "br-lan", Config: json.RawMessage(`{"empty":true,"isolate_members":true}`)})
	if _, err := transport.InvokeSync(id, "create", createP); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := transport.InvokeSync(id, "free", mustMarshal(namePayload{Name: "br-lan"})); err != nil {
		t.Fatalf("free: %v", err)
	}

	link.mu.Lock()
	_, stillExists := link.bridges["br-lan"]
	link.mu.Unlock()
	if stillExists {
		t.Fatalf("free should have deleted the bridge link")
	}
	drainNotifications()
}

func TestHandler_UnregisterFiresPeerLost(t *testing.T) {
	transport := bus.New()
	defer transport.Close()

	h := New(transport, "network.device.ubus.bridge", newMockLinkController(), newMockIsolationController(), testLogger())
	id := h.Register()

	lost := make(chan struct{})
	sink := &lostSink{lost: lost}
	if _, err := transport.Subscribe(id, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.Unregister()
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for peer-lost after Unregister")
	}
}

type lostSink struct {
	lost chan struct{}
}

func (s *lostSink) HandleNotification(typ string, payload json.RawMessage) {}
func (s *lostSink) HandlePeerLost()                                       { close(s.lost) }

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
