package devicectl

import (
	"encoding/json"

	"github.com/netifdevctl/netifdevctl/internal/bus"
	"github.com/netifdevctl/netifdevctl/internal/registry"
)

// CreateBridge constructs a bridge wrapper locally and, unless the bridge
// is declared empty, defers the handler-side create until the first member
// is brought up (SPEC_FULL.md Part A §4.5 "Create bridge"). The
// bridge-capability gate is checked before any local state is mutated
// (design note 3).
func (c *Controller) CreateBridge(typeName, name string, config json.RawMessage) (*ManagedBridge, error) {
	binding, ok := c.Binding(typeName)
	if !ok {
		return nil, newErr(KindNotFound, typeName, "unknown device type")
	}
	if !binding.BridgeCapable {
		return nil, newErr(KindNotSupported, typeName, "device type does not support bridging")
	}
	if err := EnsureSubscribed(binding, "create"); err != nil {
		return nil, err
	}

	cfgCopy := append(json.RawMessage(nil), config...)
	var topo bridgeTopology
	_ = json.Unmarshal(cfgCopy, &topo)

	dev := c.reg.Init(name)
	b := &ManagedBridge{
		ManagedDevice: ManagedDevice{
			Name:       name,
			Binding:    binding,
			Dev:        dev,
			Sync:       Synchronized,
			configBlob: cfgCopy,
		},
		ConfigBlob: cfgCopy,
		IfNames:    topo.IfName,
		Empty:      topo.Empty,
		Members:    NewMemberList(),
	}

	c.mu.Lock()
	c.bridges[name] = b
	c.mu.Unlock()

	for _, ifname := range topo.IfName {
		c.insertMember(b, ifname, false)
	}

	if topo.Empty {
		c.sendBridgeCreate(b)
	} else {
		// Attempt to enable any member whose underlying device is already
		// present; this mirrors the registry DEV_EVENT_ADD path for
		// devices that exist before the bridge is configured.
		for _, m := range b.Members.All() {
			if dev, ok := c.reg.Get(m.Name); ok && dev.Present() {
				m.Present = true
				c.tryEnableMember(b, m)
			}
		}
	}

	return b, nil
}

// ReloadBridge applies a new configuration to an existing bridge
// (SPEC_FULL.md Part A §4.5 "Create bridge" / Part D config-diff
// classification). A no-op diff sends nothing; an APPLIED-class diff
// (e.g. STP/forwarding-delay passthrough fields) is sent in place as a
// plain reload; a RESTART-class diff (ifname/empty topology change) tears
// the bridge down instead — the caller is expected to CreateBridge again
// with the new config once the bridge is confirmed freed.
func (c *Controller) ReloadBridge(name string, newConfig json.RawMessage) error {
	b, ok := c.getBridge(name)
	if !ok {
		return newErr(KindNotFound, name, "no such bridge")
	}
	if err := EnsureSubscribed(b.Binding, "reload"); err != nil {
		return err
	}
	if b.Sync != Synchronized {
		return newErr(KindInvalidArgument, name, "reload only permitted while synchronized")
	}

	class := ClassifyBridgeConfig(b.ConfigBlob, newConfig)
	switch class {
	case ClassNone:
		return nil
	case ClassRestart:
		return c.SetBridgeDown(name)
	default:
		b.ConfigBlob = newConfig
		b.configBlob = newConfig
		b.Sync = PendingReload
		c.sendBridgeReload(b)
		return nil
	}
}

func (c *Controller) sendBridgeReload(b *ManagedBridge) {
	b.cancelPending()
	req, err := c.invoker.InvokeAsync(b.Binding, MethodReload, createPayload(b.Name, b.ConfigBlob), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("bridge reload invocation failed at transport", "bridge", b.Name, "status", status)
		}
	})
	b.pending = req
	if err != nil {
		c.logger.Error("bridge reload submission failed", "bridge", b.Name, "error", err)
	}
	armRetryTimer(b, func() {
		retryTick(b, c.logger, func() error {
			c.sendBridgeReload(b)
			return nil
		})
	})
}

// insertMember adds a new member slot to b, keyed by name (invariant 1: a
// duplicate key never creates a second slot). A hotplug member enters
// Synchronized immediately; a configured member enters PendingAdd
// (invariant 7).
func (c *Controller) insertMember(b *ManagedBridge, name string, hotplug bool) *BridgeMember {
	if existing, ok := b.Members.Get(name); ok {
		return existing
	}
	m := &BridgeMember{Name: name, Parent: b, Hotplug: hotplug}
	if hotplug {
		m.Sync = Synchronized
	} else {
		m.Sync = PendingAdd
	}
	b.Members.Insert(m)
	return m
}

func (c *Controller) sendBridgeCreate(b *ManagedBridge) {
	b.Sync = PendingCreate
	b.cancelPending()
	req, err := c.invoker.InvokeAsync(b.Binding, MethodCreate, createPayload(b.Name, b.ConfigBlob), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("bridge create invocation failed at transport", "bridge", b.Name, "status", status)
		}
	})
	b.pending = req
	if err != nil {
		c.logger.Error("bridge create submission failed", "bridge", b.Name, "error", err)
	}
	armRetryTimer(b, func() {
		retryTick(b, c.logger, func() error {
			c.sendBridgeCreate(b)
			return nil
		})
	})
}

// tryEnableMember implements SPEC_FULL.md Part A §4.5 "Enable member".
// Preconditions: member.Present and the bridge must exist and be
// Synchronized; if the bridge is not yet created this triggers bridge
// creation instead and bails, letting the member retry once the bridge
// confirms.
func (c *Controller) tryEnableMember(b *ManagedBridge, m *BridgeMember) {
	if !m.Present {
		return
	}

	if err := c.reg.Claim(m.Name, b.Name); err != nil {
		c.logger.Warn("member claim failed", "bridge", b.Name, "member", m.Name, "error", err)
		return
	}
	if m.User == nil {
		if u, err := c.reg.AddUser(m.Name, b.Name); err == nil {
			m.User = u
		}
	}

	if !b.Active {
		if b.Sync != PendingCreate {
			c.sendBridgeCreate(b)
		}
		return
	}

	if m.Hotplug {
		enterSynchronized(m)
		return
	}

	c.sendMemberAdd(b, m)
}

func (c *Controller) sendMemberAdd(b *ManagedBridge, m *BridgeMember) {
	m.Sync = PendingAdd
	m.cancelPending()
	req, err := c.invoker.InvokeAsync(b.Binding, MethodAdd, memberPayload(b.Name, m.Name), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("add invocation failed at transport", "bridge", b.Name, "member", m.Name, "status", status)
			m.Present = false
			b.NFailed++
			b.NPresent = b.Members.CountPresent()
		}
	})
	m.pending = req
	if err != nil {
		c.logger.Error("add submission failed", "bridge", b.Name, "member", m.Name, "error", err)
	}
	armRetryTimer(m, func() {
		retryTick(m, c.logger, func() error {
			c.sendMemberAdd(b, m)
			return nil
		})
	})
}

// enableMembersPass re-runs member enablement for every member that isn't
// already Synchronized, picking up members that failed while the bridge
// was being created (SPEC_FULL.md Part A §4.4: "For bridges, on entering
// Synchronized re-run the member-enable pass").
func (c *Controller) enableMembersPass(b *ManagedBridge) {
	for _, m := range b.Members.All() {
		if m.Sync != Synchronized {
			c.tryEnableMember(b, m)
		}
	}
}

// disableMember implements "Disable member": invoke remove, transition to
// PendingRemove, release the device-user on confirmation.
func (c *Controller) disableMember(b *ManagedBridge, m *BridgeMember) {
	m.Sync = PendingRemove
	m.cancelPending()
	req, err := c.invoker.InvokeAsync(b.Binding, MethodRemove, memberPayload(b.Name, m.Name), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("remove invocation failed at transport", "bridge", b.Name, "member", m.Name, "status", status)
		}
	})
	m.pending = req
	if err != nil {
		c.logger.Error("remove submission failed", "bridge", b.Name, "member", m.Name, "error", err)
	}
	armRetryTimer(m, func() {
		retryTick(m, c.logger, func() error {
			c.disableMember(b, m)
			return nil
		})
	})
}

// SetBridgeUp implements "Set bridge up": enable every member; fails with
// NotFound if none are present and the bridge isn't force-active.
func (c *Controller) SetBridgeUp(name string) error {
	b, ok := c.getBridge(name)
	if !ok {
		return newErr(KindNotFound, name, "no such bridge")
	}
	for _, m := range b.Members.All() {
		c.tryEnableMember(b, m)
	}
	if b.Members.CountPresent() == 0 && !b.ForceActive {
		return newErr(KindNotFound, name, "no members present and bridge is not force-active")
	}
	return nil
}

// SetBridgeDown implements "Set bridge down": invoke the preserved
// set-state(false) callback, disable all members, then send free and move
// the bridge to PendingDisable. The free confirmation deactivates the
// bridge; it stays registered with the controller.
func (c *Controller) SetBridgeDown(name string) error {
	b, ok := c.getBridge(name)
	if !ok {
		return newErr(KindNotFound, name, "no such bridge")
	}
	if err := EnsureSubscribed(b.Binding, "set down"); err != nil {
		return err
	}

	if b.SetStateCB != nil {
		b.SetStateCB(false)
	}
	for _, m := range b.Members.All() {
		if m.Sync != PendingRemove {
			c.disableMember(b, m)
		}
	}

	b.Sync = PendingDisable
	b.Active = false
	c.sendBridgeFree(b)
	return nil
}

func (c *Controller) sendBridgeFree(b *ManagedBridge) {
	b.cancelPending()
	req, err := c.invoker.InvokeAsync(b.Binding, MethodFree, namePayload(b.Name), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("bridge free invocation failed at transport", "bridge", b.Name, "status", status)
		}
	})
	b.pending = req
	if err != nil {
		c.logger.Error("bridge free submission failed", "bridge", b.Name, "error", err)
	}
	armRetryTimer(b, func() {
		retryTick(b, c.logger, func() error {
			c.sendBridgeFree(b)
			return nil
		})
	})
}

// HotplugAdd splices an externally-added device into a bridge
// (SPEC_FULL.md Part A §4.5 "Hotplug add"). The device is locked so the
// registry's free-unused pass cannot reclaim it before confirmation; the
// member slot itself is created by dispatchAdd's "slot does not exist"
// branch when the matching add notification arrives, with Hotplug=true
// and sync=Synchronized (scenario 5). Pre-inserting the slot here would
// make that notification hit the idempotence guard and be dropped as a
// no-op, leaking the lock and leaving the member stuck un-present.
func (c *Controller) HotplugAdd(bridgeName, memberName string) error {
	b, ok := c.getBridge(bridgeName)
	if !ok {
		return newErr(KindNotFound, bridgeName, "no such bridge")
	}
	if err := EnsureSubscribed(b.Binding, "hotplug add"); err != nil {
		return err
	}

	c.reg.Lock(memberName)

	if _, err := c.invoker.InvokeAsync(b.Binding, MethodAdd, memberPayload(b.Name, memberName), nil, nil); err != nil {
		c.logger.Error("hotplug add submission failed", "bridge", bridgeName, "member", memberName, "error", err)
	}
	return nil
}

// HotplugRemove implements "Hotplug remove": the member slot is deleted
// immediately and the member-free path releases it. No remove request is
// sent to the handler.
func (c *Controller) HotplugRemove(bridgeName, memberName string) error {
	b, ok := c.getBridge(bridgeName)
	if !ok {
		return newErr(KindNotFound, bridgeName, "no such bridge")
	}
	m, ok := b.Members.Get(memberName)
	if !ok {
		return newErr(KindNotFound, memberName, "no such member")
	}
	b.Members.Remove(memberName)
	c.memberFree(b, m)
	return nil
}

// HotplugPrepare implements "Hotplug prepare": invoke prepare; on
// confirmation, force-present the bridge.
func (c *Controller) HotplugPrepare(bridgeName string) error {
	b, ok := c.getBridge(bridgeName)
	if !ok {
		return newErr(KindNotFound, bridgeName, "no such bridge")
	}
	if !b.Binding.BridgeCapable {
		return newErr(KindNotSupported, bridgeName, "hotplug prepare on a non-bridge")
	}
	if err := EnsureSubscribed(b.Binding, "hotplug prepare"); err != nil {
		return err
	}

	b.Sync = PendingPrepare
	b.cancelPending()
	req, err := c.invoker.InvokeAsync(b.Binding, MethodPrepare, namePayload(b.Name), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("prepare invocation failed at transport", "bridge", b.Name, "status", status)
		}
	})
	b.pending = req
	if err != nil {
		c.logger.Error("prepare submission failed", "bridge", b.Name, "error", err)
	}
	armRetryTimer(b, func() {
		retryTick(b, c.logger, func() error {
			return c.HotplugPrepare(bridgeName)
		})
	})
	return nil
}

// memberFree is the member vlist removal callback (SPEC_FULL.md Part A
// §4.5 "Member vlist update callback"): unbind the device-user and toggle
// the underlying device's present flag to re-trigger any competing
// bridge's claim attempt.
func (c *Controller) memberFree(b *ManagedBridge, m *BridgeMember) {
	cancelRetryTimer(m)
	m.cancelPending()
	if m.User != nil {
		c.reg.RemoveUser(m.User)
		m.User = nil
	}
	c.reg.Release(m.Name)
	c.reg.SetPresent(m.Name, false)
	c.reg.SetPresent(m.Name, true)
	b.NPresent = b.Members.CountPresent()
}

// onDeviceEvent is registered once against the registry and implements the
// "Registry DEV_EVENT_ADD triggers member enable" flow from SPEC_FULL.md's
// end-to-end scenario 2.
func (c *Controller) onDeviceEvent(name string, event registry.ChangeType) {
	if event != registry.EventAdd && event != registry.EventPresentChange {
		return
	}
	c.mu.Lock()
	var owner *ManagedBridge
	var member *BridgeMember
	for _, b := range c.bridges {
		if m, ok := b.Members.Get(name); ok {
			owner, member = b, m
			break
		}
	}
	c.mu.Unlock()
	if owner == nil {
		return
	}

	dev, ok := c.reg.Get(name)
	if !ok || !dev.Present() {
		return
	}
	member.Present = true
	owner.NPresent = owner.Members.CountPresent()
	c.tryEnableMember(owner, member)
}
