package devicectl

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/netifdevctl/netifdevctl/internal/bus"
	"github.com/netifdevctl/netifdevctl/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoNotify returns a handler that immediately confirms the request by
// notifying back the same payload under typ, simulating a well-behaved
// external device handler.
func echoNotify(transport *bus.Bus, peerObject, typ string) bus.MethodHandler {
	return func(payload json.RawMessage) (json.RawMessage, error) {
		transport.Notify(peerObject, typ, payload)
		return nil, nil
	}
}

func neverReplyHandler() bus.MethodHandler {
	return func(payload json.RawMessage) (json.RawMessage, error) { return nil, nil }
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestController_CreateDevice_ReachesSynchronized(t *testing.T) {
	const peerObj = "network.device.ubus.veth"
	transport := bus.New()
	defer transport.Close()
	transport.RegisterObject(peerObj, map[string]bus.MethodHandler{
		MethodCreate: echoNotify(transport, peerObj, NotifyCreate),
	})
	reg := registry.NewMemoryRegistry()
	ctl := NewController(transport, reg, testLogger())
	binding := &DeviceTypeBinding{TypeName: "veth", PeerObjectName: peerObj}
	ctl.RegisterType(binding)

	md, err := ctl.CreateDevice("veth", "eth1", json.RawMessage(`{"mtu":1500}`))
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return md.Sync == Synchronized })
	if dev, ok := reg.Get("eth1"); !ok || !dev.Present() {
		t.Fatalf("device should be marked present after create confirmation")
	}
}

func TestController_CreateDevice_UnknownType(t *testing.T) {
	transport := bus.New()
	defer transport.Close()
	reg := registry.NewMemoryRegistry()
	ctl := NewController(transport, reg, testLogger())

	if _, err := ctl.CreateDevice("ghost", "eth1", nil); err == nil {
		t.Fatalf("expected error creating a device of an unregistered type")
	}
}

func TestController_CreateDevice_RefusedWhenNotSubscribed(t *testing.T) {
	transport := bus.New()
	defer transport.Close()
	reg := registry.NewMemoryRegistry()
	ctl := NewController(transport, reg, testLogger())

	// Register the binding without ever publishing its peer object on the
	// bus, so subscription never completes.
	binding := &DeviceTypeBinding{TypeName: "veth", PeerObjectName: "network.device.ubus.veth"}
	ctl.RegisterType(binding)

	if _, err := ctl.CreateDevice("veth", "eth1", nil); err == nil {
		t.Fatalf("expected NotSubscribed error when the peer object never appeared")
	}
}

func TestController_Reload_NoOpDiffSendsNothing(t *testing.T) {
	const peerObj = "network.device.ubus.veth"
	called := false
	transport := bus.New()
	defer transport.Close()
	transport.RegisterObject(peerObj, map[string]bus.MethodHandler{
		MethodCreate: echoNotify(transport, peerObj, NotifyCreate),
		MethodReload: func(payload json.RawMessage) (json.RawMessage, error) {
			called = true
			return nil, nil
		},
	})
	reg := registry.NewMemoryRegistry()
	ctl := NewController(transport, reg, testLogger())
	binding := &DeviceTypeBinding{TypeName: "veth", PeerObjectName: peerObj}
	ctl.RegisterType(binding)

	md, err := ctl.CreateDevice("veth", "eth1", json.RawMessage(`{"mtu":1500}`))
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return md.Sync == Synchronized })

	if err := ctl.Reload("eth1", json.RawMessage(`{"mtu":1500}`)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if called {
		t.Fatalf("reload invocation should not be sent for an identical config (ClassNone)")
	}
	if md.Sync != Synchronized {
		t.Fatalf("sync state should remain Synchronized after a no-op reload")
	}
}

func TestController_Free_RemovesDevice(t *testing.T) {
	const peerObj = "network.device.ubus.veth"
	transport := bus.New()
	defer transport.Close()
	transport.RegisterObject(peerObj, map[string]bus.MethodHandler{
		MethodCreate: echoNotify(transport, peerObj, NotifyCreate),
		MethodFree:   echoNotify(transport, peerObj, NotifyFree),
	})
	reg := registry.NewMemoryRegistry()
	ctl := NewController(transport, reg, testLogger())
	binding := &DeviceTypeBinding{TypeName: "veth", PeerObjectName: peerObj}
	ctl.RegisterType(binding)

	md, err := ctl.CreateDevice("veth", "eth1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return md.Sync == Synchronized })

	if err := ctl.Free("eth1"); err != nil {
		t.Fatalf("Free: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		_, ok := ctl.getDevice("eth1")
		return !ok
	})
	if _, ok := reg.Get("eth1"); ok {
		t.Fatalf("registry entry should be gone after confirmed free")
	}
}

func newBridgeTestController(t *testing.T) (*Controller, *bus.Bus, *registry.MemoryRegistry, *DeviceTypeBinding) {
	t.Helper()
	const peerObj = "network.device.ubus.bridge"
	transport := bus.New()
	t.Cleanup(transport.Close)
	transport.RegisterObject(peerObj, map[string]bus.MethodHandler{
		MethodCreate:  echoNotify(transport, peerObj, NotifyCreate),
		MethodReload:  echoNotify(transport, peerObj, NotifyReload),
		MethodFree:    echoNotify(transport, peerObj, NotifyFree),
		MethodPrepare: echoNotify(transport, peerObj, NotifyPrepare),
		MethodAdd:     echoNotify(transport, peerObj, NotifyAdd),
		MethodRemove:  echoNotify(transport, peerObj, NotifyRemove),
		MethodDumpInfo: func(payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ifname":"br-lan","members":["eth0"]}`), nil
		},
		MethodDumpStats: func(payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"n_members":1}`), nil
		},
	})

	reg := registry.NewMemoryRegistry()
	ctl := NewController(transport, reg, testLogger())
	binding := &DeviceTypeBinding{
		TypeName:       "bridge",
		PeerObjectName: peerObj,
		BridgeCapable:  true,
		InfoSchema:     Schema{{Name: "ifname", Type: TypeString}},
		StatsSchema:    Schema{{Name: "n_members", Type: TypeUint32}},
	}
	ctl.RegisterType(binding)
	return ctl, transport, reg, binding
}

func TestController_CreateBridge_Empty_ReachesSynchronized(t *testing.T) {
	ctl, _, reg, _ := newBridgeTestController(t)

	b, err := ctl.CreateBridge("bridge", "br-lan", json.RawMessage(`{"empty":true,"ifname":[]}`))
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })
	if !b.Active {
		t.Fatalf("empty bridge should be marked active once created")
	}
	if _, ok := reg.Get("br-lan"); !ok {
		t.Fatalf("bridge should be Init'd in the registry")
	}
}

func TestController_CreateBridge_NonEmpty_MembersEnableOnCreate(t *testing.T) {
	ctl, _, reg, _ := newBridgeTestController(t)
	reg.Init("eth0")
	reg.SetPresent("eth0", true)

	b, err := ctl.CreateBridge("bridge", "br-lan", json.RawMessage(`{"empty":false,"ifname":["eth0"]}`))
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })
	waitUntil(t, time.Second, func() bool {
		m, ok := b.Members.Get("eth0")
		return ok && m.Sync == Synchronized
	})
}

func TestController_ReloadBridge_AppliedClassStaysUp(t *testing.T) {
	ctl, _, _, _ := newBridgeTestController(t)

	b, err := ctl.CreateBridge("bridge", "br-lan", json.RawMessage(`{"empty":true,"ifname":[],"stp":0}`))
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })

	if err := ctl.ReloadBridge("br-lan", json.RawMessage(`{"empty":true,"ifname":[],"stp":1}`)); err != nil {
		t.Fatalf("ReloadBridge: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })
}

func TestController_ReloadBridge_RestartClassTearsDown(t *testing.T) {
	ctl, _, _, _ := newBridgeTestController(t)

	b, err := ctl.CreateBridge("bridge", "br-lan", json.RawMessage(`{"empty":true,"ifname":[]}`))
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })

	if err := ctl.ReloadBridge("br-lan", json.RawMessage(`{"empty":false,"ifname":["eth0"]}`)); err != nil {
		t.Fatalf("ReloadBridge: %v", err)
	}
	// RESTART-class classification delegates to SetBridgeDown, which sends
	// free and deactivates the bridge on confirmation rather than reloading
	// it in place; a disabled bridge stays registered, inactive.
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized && !b.Active })
	if _, ok := ctl.getBridge("br-lan"); !ok {
		t.Fatalf("a disabled bridge should stay registered with the controller")
	}
}

func TestController_HotplugPrepare(t *testing.T) {
	ctl, _, reg, _ := newBridgeTestController(t)
	reg.Init("br-lan")

	_, err := ctl.CreateBridge("bridge", "br-lan", json.RawMessage(`{"empty":true,"ifname":[]}`))
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	b, _ := ctl.getBridge("br-lan")
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })

	if err := ctl.HotplugPrepare("br-lan"); err != nil {
		t.Fatalf("HotplugPrepare: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized && b.ForceActive })
}

func TestController_HotplugAddRemove(t *testing.T) {
	ctl, _, reg, _ := newBridgeTestController(t)
	reg.Init("br-lan")

	_, err := ctl.CreateBridge("bridge", "br-lan", json.RawMessage(`{"empty":true,"ifname":[]}`))
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	b, _ := ctl.getBridge("br-lan")
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })

	if err := ctl.HotplugAdd("br-lan", "eth0"); err != nil {
		t.Fatalf("HotplugAdd: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		m, ok := b.Members.Get("eth0")
		return ok && m.Present
	})

	if err := ctl.HotplugRemove("br-lan", "eth0"); err != nil {
		t.Fatalf("HotplugRemove: %v", err)
	}
	if _, ok := b.Members.Get("eth0"); ok {
		t.Fatalf("member slot should be deleted immediately by HotplugRemove")
	}
}

func TestController_SetBridgeUpDown(t *testing.T) {
	ctl, _, reg, _ := newBridgeTestController(t)
	reg.Init("eth0")
	reg.SetPresent("eth0", true)

	b, err := ctl.CreateBridge("bridge", "br-lan", json.RawMessage(`{"empty":false,"ifname":["eth0"]}`))
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })

	if err := ctl.SetBridgeUp("br-lan"); err != nil {
		t.Fatalf("SetBridgeUp: %v", err)
	}

	if err := ctl.SetBridgeDown("br-lan"); err != nil {
		t.Fatalf("SetBridgeDown: %v", err)
	}
	// Set-down is a reversible deactivation: once free is confirmed the
	// bridge is Synchronized and inactive, and stays registered.
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized && !b.Active })
	if _, ok := ctl.getBridge("br-lan"); !ok {
		t.Fatalf("a disabled bridge should stay registered with the controller")
	}
}

func TestController_DumpInfoDumpStats(t *testing.T) {
	ctl, _, _, _ := newBridgeTestController(t)

	b, err := ctl.CreateBridge("bridge", "br-lan", json.RawMessage(`{"empty":true,"ifname":[]}`))
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return b.Sync == Synchronized })

	info, err := ctl.DumpInfo("br-lan")
	if err != nil {
		t.Fatalf("DumpInfo: %v", err)
	}
	if info["ifname"] != "br-lan" {
		t.Errorf("ifname = %v, want br-lan", info["ifname"])
	}

	stats, err := ctl.DumpStats("br-lan")
	if err != nil {
		t.Fatalf("DumpStats: %v", err)
	}
	if stats["n_members"] != uint64(1) {
		t.Errorf("n_members = %v, want 1", stats["n_members"])
	}
}

func TestController_RetryOnTimeoutThenQuarantine(t *testing.T) {
	const peerObj = "network.device.ubus.veth"
	transport := bus.New()
	defer transport.Close()
	transport.RegisterObject(peerObj, map[string]bus.MethodHandler{
		MethodCreate: neverReplyHandler(),
	})
	reg := registry.NewMemoryRegistry()
	ctl := NewController(transport, reg, testLogger())
	binding := &DeviceTypeBinding{TypeName: "veth", PeerObjectName: peerObj}
	ctl.RegisterType(binding)

	md, err := ctl.CreateDevice("veth", "eth1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	// MaxRetries retries at TimeoutMS each; wait past all of them for
	// quarantine (invariant 6).
	waitUntil(t, time.Duration(MaxRetries+2)*TimeoutMS, func() bool { return md.IsQuarantined() })
	if md.Sync == Synchronized {
		t.Fatalf("a never-confirmed device must not reach Synchronized")
	}
}
