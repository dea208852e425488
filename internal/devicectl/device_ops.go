package devicectl

import (
	"encoding/json"

	"github.com/netifdevctl/netifdevctl/internal/bus"
)

// CreateDevice creates a non-bridge managed device of typeName (SPEC_FULL.md
// Part A §4.4: Synchronized → PendingCreate via create/enable). The gate on
// binding.BridgeCapable / outward calls happens first, before any local
// state is mutated, per design note 3.
func (c *Controller) CreateDevice(typeName, name string, config json.RawMessage) (*ManagedDevice, error) {
	binding, ok := c.Binding(typeName)
	if !ok {
		return nil, newErr(KindNotFound, typeName, "unknown device type")
	}
	if err := EnsureSubscribed(binding, "create"); err != nil {
		return nil, err
	}

	dev := c.reg.Init(name)
	md := &ManagedDevice{
		Name:       name,
		Binding:    binding,
		Dev:        dev,
		Sync:       PendingCreate,
		configBlob: config,
	}

	c.mu.Lock()
	c.devices[name] = md
	c.mu.Unlock()

	c.sendCreate(md)
	return md, nil
}

func (c *Controller) sendCreate(md *ManagedDevice) {
	md.cancelPending()
	req, err := c.invoker.InvokeAsync(md.Binding, MethodCreate, createPayload(md.Name, md.configBlob), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("create invocation failed at transport",
				"device", md.Name,
				"status", status,
			)
		}
	})
	md.pending = req
	if err != nil {
		c.logger.Error("create submission failed", "device", md.Name, "error", err)
	}
	armRetryTimer(md, func() {
		retryTick(md, c.logger, func() error {
			c.sendCreate(md)
			return nil
		})
	})
}

// Reload applies a new configuration to an existing device. A no-op diff
// (ClassNone) sends nothing; otherwise the device transitions to
// PendingReload (SPEC_FULL.md Part A §4.4).
func (c *Controller) Reload(name string, newConfig json.RawMessage) error {
	md, ok := c.getDevice(name)
	if !ok {
		return newErr(KindNotFound, name, "no such device")
	}
	if err := EnsureSubscribed(md.Binding, "reload"); err != nil {
		return err
	}
	if md.Sync != Synchronized {
		return newErr(KindInvalidArgument, name, "reload only permitted while synchronized")
	}

	class := ClassifyDeviceConfig(md.configBlob, newConfig)
	if class == ClassNone {
		return nil
	}

	md.configBlob = newConfig
	md.Sync = PendingReload
	c.sendReload(md)
	return nil
}

func (c *Controller) sendReload(md *ManagedDevice) {
	md.cancelPending()
	req, err := c.invoker.InvokeAsync(md.Binding, MethodReload, createPayload(md.Name, md.configBlob), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("reload invocation failed at transport", "device", md.Name, "status", status)
		}
	})
	md.pending = req
	if err != nil {
		c.logger.Error("reload submission failed", "device", md.Name, "error", err)
	}
	armRetryTimer(md, func() {
		retryTick(md, c.logger, func() error {
			c.sendReload(md)
			return nil
		})
	})
}

// Free tears down a non-bridge managed device (SPEC_FULL.md Part A §4.4:
// Synchronized → PendingFree via free).
func (c *Controller) Free(name string) error {
	md, ok := c.getDevice(name)
	if !ok {
		return newErr(KindNotFound, name, "no such device")
	}
	if err := EnsureSubscribed(md.Binding, "free"); err != nil {
		return err
	}

	md.Sync = PendingFree
	c.sendFree(md)
	return nil
}

func (c *Controller) sendFree(md *ManagedDevice) {
	md.cancelPending()
	req, err := c.invoker.InvokeAsync(md.Binding, MethodFree, namePayload(md.Name), nil, func(status bus.Status) {
		if status != bus.StatusOK {
			c.logger.Error("free invocation failed at transport", "device", md.Name, "status", status)
		}
	})
	md.pending = req
	if err != nil {
		c.logger.Error("free submission failed", "device", md.Name, "error", err)
	}
	armRetryTimer(md, func() {
		retryTick(md, c.logger, func() error {
			c.sendFree(md)
			return nil
		})
	})
}

// removeDevice drops the entity from the controller's table entirely, on
// confirmed free. After this, a late notification for name is a no-op
// (dispatch's device_get returns null, per SPEC_FULL.md Part A §5
// "Cancellation").
func (c *Controller) removeDevice(name string) {
	c.mu.Lock()
	md, ok := c.devices[name]
	if ok {
		delete(c.devices, name)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	cancelRetryTimer(md)
	md.cancelPending()
	c.reg.Free(name)
}
