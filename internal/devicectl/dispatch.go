package devicectl

import (
	"encoding/json"

	"github.com/netifdevctl/netifdevctl/internal/registry"
)

// Notification type names, per SPEC_FULL.md Part A §4.3.
const (
	NotifyCreate  = "create"
	NotifyReload  = "reload"
	NotifyFree    = "free"
	NotifyPrepare = "prepare"
	NotifyAdd     = "add"
	NotifyRemove  = "remove"
)

type namePayloadIn struct {
	Name string `json:"name"`
}

type memberPayloadIn struct {
	Bridge string `json:"bridge"`
	Member string `json:"member"`
}

// Dispatch implements the notification dispatcher (SPEC_FULL.md Part A
// §4.3): it parses and routes create|reload|free|prepare|add|remove
// notifications. Dispatch is idempotent — redelivering a notification that
// has already taken effect is a silent no-op, and notifications for a
// destroyed entity are silently dropped (getDevice/getBridge return
// "not found").
func (c *Controller) Dispatch(binding *DeviceTypeBinding, typ string, payload json.RawMessage) {
	switch typ {
	case NotifyCreate:
		c.dispatchCreate(payload)
	case NotifyReload:
		c.dispatchReload(payload)
	case NotifyFree:
		c.dispatchFree(payload)
	case NotifyPrepare:
		c.dispatchPrepare(payload)
	case NotifyAdd:
		c.dispatchAdd(payload)
	case NotifyRemove:
		c.dispatchRemove(payload)
	default:
		c.logger.Warn("unsupported notification type", "type", typ, "peer_object", binding.PeerObjectName)
	}
}

func (c *Controller) dispatchCreate(payload json.RawMessage) {
	var in namePayloadIn
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		c.logger.Warn("create notification: invalid payload")
		return
	}

	if b, ok := c.getBridge(in.Name); ok {
		if b.Sync != PendingCreate {
			return // idempotent: already synchronized or on a different path
		}
		enterSynchronized(b)
		b.Active = true
		c.reg.SetPresent(in.Name, true)
		if b.SetStateCB != nil {
			b.SetStateCB(true)
		}
		c.enableMembersPass(b)
		return
	}

	if md, ok := c.getDevice(in.Name); ok {
		if md.Sync != PendingCreate {
			return
		}
		enterSynchronized(md)
		c.reg.SetPresent(in.Name, true)
	}
}

func (c *Controller) dispatchReload(payload json.RawMessage) {
	var in namePayloadIn
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		c.logger.Warn("reload notification: invalid payload")
		return
	}

	// Open question 1 (SPEC_FULL.md Part A design notes): the original
	// sets present=true on a plain device's reload confirmation but only
	// flips sync for a bridge. Preserved as specified.
	if b, ok := c.getBridge(in.Name); ok {
		if b.Sync != PendingReload {
			return
		}
		enterSynchronized(b)
		return
	}

	if md, ok := c.getDevice(in.Name); ok {
		if md.Sync != PendingReload {
			return
		}
		enterSynchronized(md)
		c.reg.SetPresent(in.Name, true)
	}
}

func (c *Controller) dispatchFree(payload json.RawMessage) {
	var in namePayloadIn
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		c.logger.Warn("free notification: invalid payload")
		return
	}

	if b, ok := c.getBridge(in.Name); ok {
		switch b.Sync {
		case PendingDisable:
			// Disable is reversible deactivation, not destruction
			// (design note 2).
			enterSynchronized(b)
			b.Active = false
			c.reg.SetPresent(in.Name, false)
		case PendingFree:
			c.removeBridge(in.Name)
		}
		return
	}

	if md, ok := c.getDevice(in.Name); ok && md.Sync == PendingFree {
		c.removeDevice(in.Name)
	}
}

func (c *Controller) dispatchPrepare(payload json.RawMessage) {
	var in namePayloadIn
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		c.logger.Warn("prepare notification: invalid payload")
		return
	}

	b, ok := c.getBridge(in.Name)
	if !ok || b.Sync != PendingPrepare {
		return
	}
	enterSynchronized(b)
	b.ForceActive = true
	b.Active = true
	c.reg.SetPresent(in.Name, true)
}

func (c *Controller) dispatchAdd(payload json.RawMessage) {
	var in memberPayloadIn
	if err := json.Unmarshal(payload, &in); err != nil || in.Bridge == "" || in.Member == "" {
		c.logger.Warn("add notification: invalid payload")
		return
	}

	b, ok := c.getBridge(in.Bridge)
	if !ok {
		return
	}

	m, ok := b.Members.Get(in.Member)
	if !ok {
		m = c.insertMember(b, in.Member, true)
		m.Present = true
		b.NPresent = b.Members.CountPresent()
		c.reg.Unlock(in.Member)
		c.reg.BroadcastEvent(in.Bridge, registry.EventConfigChange)
		return
	}

	if m.Sync == Synchronized {
		return // scenario 6: duplicate notification, no side effects
	}
	if m.Sync != PendingAdd {
		return
	}

	enterSynchronized(m)
	m.Present = true
	b.NPresent = b.Members.CountPresent()
	c.reg.Unlock(in.Member)
	c.reg.BroadcastEvent(in.Bridge, registry.EventConfigChange)
}

func (c *Controller) dispatchRemove(payload json.RawMessage) {
	var in memberPayloadIn
	if err := json.Unmarshal(payload, &in); err != nil || in.Bridge == "" || in.Member == "" {
		c.logger.Warn("remove notification: invalid payload")
		return
	}

	b, ok := c.getBridge(in.Bridge)
	if !ok {
		return
	}
	m, ok := b.Members.Get(in.Member)
	if !ok || m.Sync != PendingRemove {
		return
	}

	enterSynchronized(m)
	m.Present = false
	if m.User != nil {
		c.reg.RemoveUser(m.User)
		m.User = nil
	}
	c.reg.Release(in.Member)
	b.NPresent = b.Members.CountPresent()
}

// removeBridge drops a bridge and all of its members from the controller's
// tables, on confirmed destruction.
func (c *Controller) removeBridge(name string) {
	c.mu.Lock()
	b, ok := c.bridges[name]
	if ok {
		delete(c.bridges, name)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	cancelRetryTimer(b)
	b.cancelPending()
	for _, m := range b.Members.All() {
		cancelRetryTimer(m)
		m.cancelPending()
		if m.User != nil {
			c.reg.RemoveUser(m.User)
		}
		c.reg.Release(m.Name)
	}
	c.reg.Free(name)
}
