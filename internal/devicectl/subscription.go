package devicectl

import (
	"encoding/json"
	"log/slog"

	"github.com/netifdevctl/netifdevctl/internal/bus"
)

// NotificationRouter receives notifications routed by a bindingSink for a
// specific DeviceTypeBinding. Dispatch implements this (dispatch.go).
type NotificationRouter interface {
	Dispatch(binding *DeviceTypeBinding, typ string, payload json.RawMessage)
}

// SubscriptionManager implements SPEC_FULL.md Part A §4.2: for each
// DeviceTypeBinding, resolve the peer object id by name, subscribe, and
// survive peer loss by re-arming an object-add watcher. Grounded on the
// teacher's internal/api/reconnect.go (peer-loss/backoff state machine)
// generalised from "one cloud endpoint" to "per-binding peer object".
type SubscriptionManager struct {
	transport *bus.Bus
	router    NotificationRouter
	logger    *slog.Logger

	waiters map[string]func() // binding.PeerObjectName -> unregister func, while waiting for object-add
}

// NewSubscriptionManager creates a SubscriptionManager bound to transport
// and router.
func NewSubscriptionManager(transport *bus.Bus, router NotificationRouter, logger *slog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		transport: transport,
		router:    router,
		logger:    logger.With("component", "devicectl.subscription"),
		waiters:   make(map[string]func()),
	}
}

// bindingSink routes bus notifications/peer-loss for one binding back into
// the SubscriptionManager. This is the "NotificationSink" capability from
// the original design notes, replacing raw callback pointers.
type bindingSink struct {
	mgr     *SubscriptionManager
	binding *DeviceTypeBinding
}

func (s bindingSink) HandleNotification(typ string, payload json.RawMessage) {
	s.mgr.router.Dispatch(s.binding, typ, payload)
}

func (s bindingSink) HandlePeerLost() {
	s.mgr.onPeerLost(s.binding)
}

// Bind resolves and subscribes binding, or arms a waiter if the peer object
// is not currently present on the bus.
func (m *SubscriptionManager) Bind(binding *DeviceTypeBinding) {
	if id, ok := m.transport.LookupObject(binding.PeerObjectName); ok {
		m.subscribeNow(binding, id)
		return
	}
	m.armWaiter(binding)
}

func (m *SubscriptionManager) subscribeNow(binding *DeviceTypeBinding, id uint32) {
	sub, err := m.transport.Subscribe(id, bindingSink{mgr: m, binding: binding})
	if err != nil {
		m.logger.Warn("subscribe failed, will retry on next object-add",
			"type", binding.TypeName,
			"peer_object", binding.PeerObjectName,
			"error", err,
		)
		m.armWaiter(binding)
		return
	}
	if unregister, ok := m.waiters[binding.PeerObjectName]; ok {
		unregister()
		delete(m.waiters, binding.PeerObjectName)
	}
	binding.PeerID = id
	binding.Subscribed = true
	m.logger.Info("subscribed to peer object",
		"type", binding.TypeName,
		"peer_object", binding.PeerObjectName,
		"peer_id", id,
	)
	_ = sub // the Subscription handle itself is never needed again: unsubscribe
	// happens implicitly via UnregisterObject firing HandlePeerLost.
}

func (m *SubscriptionManager) armWaiter(binding *DeviceTypeBinding) {
	if _, already := m.waiters[binding.PeerObjectName]; already {
		return
	}
	unregister := m.transport.WatchObjectAdd(func(name string, id uint32) {
		if name != binding.PeerObjectName {
			return
		}
		m.subscribeNow(binding, id)
	})
	m.waiters[binding.PeerObjectName] = unregister
}

// onPeerLost clears a binding's subscription state and re-arms the waiter.
func (m *SubscriptionManager) onPeerLost(binding *DeviceTypeBinding) {
	binding.PeerID = 0
	binding.Subscribed = false
	m.logger.Warn("peer object lost, awaiting reappearance",
		"type", binding.TypeName,
		"peer_object", binding.PeerObjectName,
	)
	m.armWaiter(binding)
}

// EnsureSubscribed is the guard every outward-going operation calls
// (SPEC_FULL.md Part A §4.2): if unsubscribed, the operation is refused
// with a NotSubscribed-class error and no state mutation occurs.
func EnsureSubscribed(binding *DeviceTypeBinding, action string) error {
	if !binding.Subscribed {
		return newErr(KindNotSubscribed, binding.PeerObjectName, "cannot "+action+": handler offline")
	}
	return nil
}
