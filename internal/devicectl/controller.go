package devicectl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/netifdevctl/netifdevctl/internal/bus"
	"github.com/netifdevctl/netifdevctl/internal/registry"
)

// resyncInterval is the period of the local consistency sweep described in
// SPEC_FULL.md Part D (supplemented from original_source/ubusdev.c's
// periodic check_state sweep). It never sends an RPC; it only
// re-synchronises n_present/n_failed against the member vlist.
const resyncInterval = 30 * time.Second

// Controller is the proxy controller for externally-managed network
// devices (SPEC_FULL.md Part A). It owns the device/bridge/member state
// model and mediates between callers (the host daemon, out of scope) and
// the external device handler reached over a bus.Bus.
type Controller struct {
	transport *bus.Bus
	invoker   *Invoker
	subs      *SubscriptionManager
	reg       registry.Registry
	logger    *slog.Logger

	mu       sync.Mutex
	bindings map[string]*DeviceTypeBinding
	devices  map[string]*ManagedDevice
	bridges  map[string]*ManagedBridge
}

// NewController creates a Controller wired to transport and reg.
func NewController(transport *bus.Bus, reg registry.Registry, logger *slog.Logger) *Controller {
	c := &Controller{
		transport: transport,
		reg:       reg,
		logger:    logger.With("component", "devicectl"),
		bindings:  make(map[string]*DeviceTypeBinding),
		devices:   make(map[string]*ManagedDevice),
		bridges:   make(map[string]*ManagedBridge),
	}
	c.invoker = NewInvoker(transport, logger)
	c.subs = NewSubscriptionManager(transport, c, logger)
	reg.Subscribe(c.onDeviceEvent)
	return c
}

// RegisterType implements the type registry glue (SPEC_FULL.md Part A
// §4.8): one DeviceTypeBinding per descriptor, with an attempted
// subscription to its peer object.
func (c *Controller) RegisterType(binding *DeviceTypeBinding) {
	c.mu.Lock()
	c.bindings[binding.TypeName] = binding
	c.mu.Unlock()

	c.subs.Bind(binding)
	c.logger.Info("registered device type",
		"type", binding.TypeName,
		"peer_object", binding.PeerObjectName,
		"bridge_capable", binding.BridgeCapable,
	)
}

// Binding returns the registered binding for typeName, if any.
func (c *Controller) Binding(typeName string) (*DeviceTypeBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[typeName]
	return b, ok
}

func (c *Controller) getDevice(name string) (*ManagedDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[name]
	return d, ok
}

func (c *Controller) getBridge(name string) (*ManagedBridge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bridges[name]
	return b, ok
}

// Run starts the periodic local consistency sweep (SPEC_FULL.md Part D).
// It blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.resyncAll()
		}
	}
}

func (c *Controller) resyncAll() {
	c.mu.Lock()
	bridges := make([]*ManagedBridge, 0, len(c.bridges))
	for _, b := range c.bridges {
		bridges = append(bridges, b)
	}
	c.mu.Unlock()

	for _, b := range bridges {
		c.resyncBridge(b)
	}
}

// resyncBridge re-derives n_present/n_failed from the member vlist without
// issuing any request to the handler (invariant 2).
func (c *Controller) resyncBridge(b *ManagedBridge) {
	present := b.Members.CountPresent()
	failed := 0
	for _, m := range b.Members.All() {
		if !m.Present && m.Sync == PendingAdd {
			failed++
		}
	}
	if present != b.NPresent || failed != b.NFailed {
		c.logger.Debug("resync: bridge counters updated",
			"bridge", b.Name,
			"n_present", present,
			"n_failed", failed,
		)
	}
	b.NPresent = present
	b.NFailed = failed
}
