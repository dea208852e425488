// Package devicehandler is a bundled reference implementation of the
// external device handler that internal/devicectl talks to over
// internal/bus (SPEC_FULL.md Part C, item 2). The real handler is a
// separate out-of-process program; this one is included so the controller
// has something real to drive in tests and local dry-runs, and so the
// bridge device type's create/add/remove/prepare semantics are grounded in
// actual kernel calls rather than a fake.
//
// Grounded on the teacher's internal/bridge/route_linux.go (netlink
// link/route/NAT setup) and internal/policy/nftables_linux.go (nftables
// rule programming), repurposed here from routing/firewall concerns to
// bridge-link and member-isolation concerns.
package devicehandler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netifdevctl/netifdevctl/internal/bus"
)

// notifyDelay models the latency of an out-of-process handler replying
// asynchronously; it keeps confirmation delivery observably decoupled from
// invocation acceptance, per SPEC_FULL.md Part A §4.1.
const notifyDelay = 5 * time.Millisecond

// LinkController abstracts the OS-level bridge link operations the bridge
// device type needs. Grounded on internal/bridge/route.go's
// RouteController interface shape (narrow, idempotent, testable).
type LinkController interface {
	// EnsureBridge creates the named bridge link if it does not already exist.
	EnsureBridge(name string) error
	// DeleteBridge removes the named bridge link. Idempotent.
	DeleteBridge(name string) error
	// SetUp brings the named link administratively up or down.
	SetUp(name string, up bool) error
	// AddMember enslaves member to bridge.
	AddMember(bridge, member string) error
	// RemoveMember releases member from bridge. Idempotent.
	RemoveMember(bridge, member string) error
}

// IsolationRule is one member-isolation forwarding rule: block forwarding
// between two bridge ports unless explicitly allowed.
type IsolationRule struct {
	Bridge string
	Member string
	Action string // "allow" or "deny"
}

// IsolationController abstracts nftables-level member-isolation
// enforcement. Grounded on internal/policy/nftables_linux.go's
// EnsureChain/ApplyRules/DeleteChain triad, with FirewallRule narrowed to
// the one thing this handler needs: per-bridge port isolation.
type IsolationController interface {
	EnsureChain(bridge string) error
	ApplyRules(bridge string, rules []IsolationRule) error
	DeleteChain(bridge string) error
}

// bridgeConfig is the config schema this handler understands for the
// "bridge" device type. Unknown extra fields (STP/forwarding-delay
// passthrough, per SPEC_FULL.md Part D) are not decoded and are ignored.
type bridgeConfig struct {
	IfName         []string `json:"ifname"`
	Empty          bool     `json:"empty"`
	IsolateMembers bool     `json:"isolate_members"`
}

type namePayload struct {
	Name string `json:"name"`
}

type createPayload struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

type memberPayload struct {
	Bridge string `json:"bridge"`
	Member string `json:"member"`
}

type bridgeRuntime struct {
	name      string
	cfg       bridgeConfig
	members   map[string]bool // member name -> present
	isolating bool
}

// Handler is the bundled reference external device handler for the
// "bridge" device type. It registers itself onto a bus.Bus under a peer
// object name and answers create/free/add/remove/prepare/dump_info/
// dump_stats the way a real out-of-process handler would, issuing
// confirmations as delayed, uncorrelated notifications.
type Handler struct {
	transport *bus.Bus
	objName   string
	link      LinkController
	isolation IsolationController
	logger    *slog.Logger

	mu       sync.Mutex
	bridges  map[string]*bridgeRuntime
}

// New creates a Handler. link and isolation are platform-specific
// implementations (NewLinuxLinkController / NewLinuxIsolationController:
// netlink and nftables on Linux; elsewhere, stubs whose methods always
// return an error).
func New(transport *bus.Bus, objName string, link LinkController, isolation IsolationController, logger *slog.Logger) *Handler {
	return &Handler{
		transport: transport,
		objName:   objName,
		link:      link,
		isolation: isolation,
		logger:    logger.With("component", "devicehandler", "object", objName),
		bridges:   make(map[string]*bridgeRuntime),
	}
}

// Register publishes this handler's methods on the bus under its
// configured object name.
func (h *Handler) Register() uint32 {
	return h.transport.RegisterObject(h.objName, map[string]bus.MethodHandler{
		"create":     h.handleCreate,
		"reload":     h.handleReload,
		"free":       h.handleFree,
		"prepare":    h.handlePrepare,
		"add":        h.handleAdd,
		"remove":     h.handleRemove,
		"dump_info":  h.handleDumpInfo,
		"dump_stats": h.handleDumpStats,
	})
}

// Unregister removes this handler from the bus, simulating the handler
// process disappearing.
func (h *Handler) Unregister() {
	h.transport.UnregisterObject(h.objName)
}

func (h *Handler) handleCreate(payload json.RawMessage) (json.RawMessage, error) {
	var in createPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		return nil, fmt.Errorf("devicehandler: create: invalid payload")
	}
	var cfg bridgeConfig
	_ = json.Unmarshal(in.Config, &cfg)

	h.mu.Lock()
	rt, exists := h.bridges[in.Name]
	if !exists {
		rt = &bridgeRuntime{name: in.Name, members: make(map[string]bool)}
		h.bridges[in.Name] = rt
	}
	rt.cfg = cfg
	h.mu.Unlock()

	if err := h.link.EnsureBridge(in.Name); err != nil {
		h.logger.Error("create: ensure bridge failed", "bridge", in.Name, "error", err)
		return nil, err
	}
	for _, member := range cfg.IfName {
		if err := h.link.AddMember(in.Name, member); err != nil {
			h.logger.Warn("create: add member failed", "bridge", in.Name, "member", member, "error", err)
			continue
		}
		h.mu.Lock()
		rt.members[member] = true
		h.mu.Unlock()
	}
	if err := h.link.SetUp(in.Name, true); err != nil {
		h.logger.Warn("create: set up failed", "bridge", in.Name, "error", err)
	}
	h.applyIsolation(rt)

	h.notifyLater("create", namePayload{Name: in.Name})
	return nil, nil
}

func (h *Handler) handleReload(payload json.RawMessage) (json.RawMessage, error) {
	var in createPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		return nil, fmt.Errorf("devicehandler: reload: invalid payload")
	}
	var cfg bridgeConfig
	_ = json.Unmarshal(in.Config, &cfg)

	h.mu.Lock()
	rt, ok := h.bridges[in.Name]
	if ok {
		rt.cfg = cfg
	}
	h.mu.Unlock()
	if ok {
		h.applyIsolation(rt)
	}

	h.notifyLater("reload", namePayload{Name: in.Name})
	return nil, nil
}

func (h *Handler) handleFree(payload json.RawMessage) (json.RawMessage, error) {
	var in namePayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		return nil, fmt.Errorf("devicehandler: free: invalid payload")
	}

	h.mu.Lock()
	delete(h.bridges, in.Name)
	h.mu.Unlock()

	if err := h.isolation.DeleteChain(in.Name); err != nil {
		h.logger.Warn("free: delete isolation chain failed", "bridge", in.Name, "error", err)
	}
	if err := h.link.DeleteBridge(in.Name); err != nil {
		h.logger.Warn("free: delete bridge failed", "bridge", in.Name, "error", err)
	}

	h.notifyLater("free", namePayload{Name: in.Name})
	return nil, nil
}

func (h *Handler) handlePrepare(payload json.RawMessage) (json.RawMessage, error) {
	var in namePayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		return nil, fmt.Errorf("devicehandler: prepare: invalid payload")
	}

	h.mu.Lock()
	if _, exists := h.bridges[in.Name]; !exists {
		h.bridges[in.Name] = &bridgeRuntime{name: in.Name, members: make(map[string]bool)}
	}
	h.mu.Unlock()

	if err := h.link.EnsureBridge(in.Name); err != nil {
		return nil, err
	}
	if err := h.link.SetUp(in.Name, true); err != nil {
		h.logger.Warn("prepare: set up failed", "bridge", in.Name, "error", err)
	}

	h.notifyLater("prepare", namePayload{Name: in.Name})
	return nil, nil
}

func (h *Handler) handleAdd(payload json.RawMessage) (json.RawMessage, error) {
	var in memberPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Bridge == "" || in.Member == "" {
		return nil, fmt.Errorf("devicehandler: add: invalid payload")
	}

	if err := h.link.AddMember(in.Bridge, in.Member); err != nil {
		h.logger.Warn("add: member failed", "bridge", in.Bridge, "member", in.Member, "error", err)
		return nil, err
	}

	h.mu.Lock()
	rt, ok := h.bridges[in.Bridge]
	if ok {
		rt.members[in.Member] = true
	}
	h.mu.Unlock()
	if ok {
		h.applyIsolation(rt)
	}

	h.notifyLater("add", memberPayload{Bridge: in.Bridge, Member: in.Member})
	return nil, nil
}

func (h *Handler) handleRemove(payload json.RawMessage) (json.RawMessage, error) {
	var in memberPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Bridge == "" || in.Member == "" {
		return nil, fmt.Errorf("devicehandler: remove: invalid payload")
	}

	if err := h.link.RemoveMember(in.Bridge, in.Member); err != nil {
		h.logger.Warn("remove: member failed", "bridge", in.Bridge, "member", in.Member, "error", err)
	}

	h.mu.Lock()
	rt, ok := h.bridges[in.Bridge]
	if ok {
		delete(rt.members, in.Member)
	}
	h.mu.Unlock()
	if ok {
		h.applyIsolation(rt)
	}

	h.notifyLater("remove", memberPayload{Bridge: in.Bridge, Member: in.Member})
	return nil, nil
}

func (h *Handler) handleDumpInfo(payload json.RawMessage) (json.RawMessage, error) {
	var in namePayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		return nil, fmt.Errorf("devicehandler: dump_info: invalid payload")
	}
	h.mu.Lock()
	rt, ok := h.bridges[in.Name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("devicehandler: dump_info: no such bridge %q", in.Name)
	}

	members := make([]string, 0, len(rt.members))
	for m, present := range rt.members {
		if present {
			members = append(members, m)
		}
	}
	return json.Marshal(map[string]any{
		"ifname":          in.Name,
		"members":         members,
		"isolate_members": rt.cfg.IsolateMembers,
	})
}

func (h *Handler) handleDumpStats(payload json.RawMessage) (json.RawMessage, error) {
	var in namePayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Name == "" {
		return nil, fmt.Errorf("devicehandler: dump_stats: invalid payload")
	}
	h.mu.Lock()
	rt, ok := h.bridges[in.Name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("devicehandler: dump_stats: no such bridge %q", in.Name)
	}
	return json.Marshal(map[string]any{
		"n_members": len(rt.members),
	})
}

// applyIsolation (re)programs the bridge's nftables isolation chain to
// match its current member set, when isolate_members is requested
// (SPEC_FULL.md Part C): one deny rule per present member. Without
// isolate_members, a previously installed chain is deleted.
func (h *Handler) applyIsolation(rt *bridgeRuntime) {
	if !rt.cfg.IsolateMembers {
		if rt.isolating {
			if err := h.isolation.DeleteChain(rt.name); err != nil {
				h.logger.Warn("isolation: delete chain failed", "bridge", rt.name, "error", err)
			}
			rt.isolating = false
		}
		return
	}

	if err := h.isolation.EnsureChain(rt.name); err != nil {
		h.logger.Warn("isolation: ensure chain failed", "bridge", rt.name, "error", err)
		return
	}
	rules := make([]IsolationRule, 0, len(rt.members))
	for member, present := range rt.members {
		if !present {
			continue
		}
		rules = append(rules, IsolationRule{Bridge: rt.name, Member: member, Action: "deny"})
	}
	if err := h.isolation.ApplyRules(rt.name, rules); err != nil {
		h.logger.Warn("isolation: apply rules failed", "bridge", rt.name, "error", err)
		return
	}
	rt.isolating = true
}

func (h *Handler) notifyLater(typ string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("notify: marshal failed", "type", typ, "error", err)
		return
	}
	time.AfterFunc(notifyDelay, func() {
		h.transport.Notify(h.objName, typ, b)
	})
}
