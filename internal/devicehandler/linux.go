//go:build linux

package devicehandler

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netlink"
)

// isolationTableName is the nftables table name used for bridge
// member-isolation enforcement.
const isolationTableName = "netifdevctl-isolate"

// LinuxLinkController implements LinkController using Linux netlink,
// adapted from the teacher's NetlinkRouteController
// (internal/bridge/route_linux.go) — retargeted from route/NAT management
// to bridge link creation and enslavement.
type LinuxLinkController struct {
	logger *slog.Logger
}

// NewLinuxLinkController returns a new LinuxLinkController.
func NewLinuxLinkController(logger *slog.Logger) *LinuxLinkController {
	return &LinuxLinkController{logger: logger}
}

// EnsureBridge creates the named bridge link if it does not already exist.
func (c *LinuxLinkController) EnsureBridge(name string) error {
	if _, err := netlink.LinkByName(name); err == nil {
		return nil
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		if errors.Is(err, syscall.EEXIST) {
			return nil
		}
		return fmt.Errorf("devicehandler: ensure bridge %q: %w", name, err)
	}
	c.logger.Debug("bridge link created", "bridge", name)
	return nil
}

// DeleteBridge removes the named bridge link. Idempotent.
func (c *LinuxLinkController) DeleteBridge(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil // already gone: idempotent success
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("devicehandler: delete bridge %q: %w", name, err)
	}
	c.logger.Debug("bridge link deleted", "bridge", name)
	return nil
}

// SetUp brings the named link administratively up or down.
func (c *LinuxLinkController) SetUp(name string, up bool) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("devicehandler: set up %q: lookup: %w", name, err)
	}
	if up {
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("devicehandler: set up %q: %w", name, err)
		}
		return nil
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("devicehandler: set down %q: %w", name, err)
	}
	return nil
}

// AddMember enslaves member to bridge.
func (c *LinuxLinkController) AddMember(bridge, member string) error {
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("devicehandler: add member: lookup bridge %q: %w", bridge, err)
	}
	mem, err := netlink.LinkByName(member)
	if err != nil {
		return fmt.Errorf("devicehandler: add member: lookup member %q: %w", member, err)
	}
	if err := netlink.LinkSetMaster(mem, br); err != nil {
		return fmt.Errorf("devicehandler: enslave %q to %q: %w", member, bridge, err)
	}
	c.logger.Debug("member enslaved", "bridge", bridge, "member", member)
	return nil
}

// RemoveMember releases member from bridge. Idempotent.
func (c *LinuxLinkController) RemoveMember(bridge, member string) error {
	mem, err := netlink.LinkByName(member)
	if err != nil {
		return nil // already gone
	}
	if err := netlink.LinkSetNoMaster(mem); err != nil {
		return fmt.Errorf("devicehandler: release %q from %q: %w", member, bridge, err)
	}
	c.logger.Debug("member released", "bridge", bridge, "member", member)
	return nil
}

// LinuxIsolationController implements IsolationController using nftables,
// adapted from the teacher's NftablesController
// (internal/policy/nftables_linux.go) — retargeted from generic firewall
// rule programming to per-bridge member-isolation chains.
type LinuxIsolationController struct {
	logger *slog.Logger
}

// NewLinuxIsolationController returns a new LinuxIsolationController.
func NewLinuxIsolationController(logger *slog.Logger) *LinuxIsolationController {
	return &LinuxIsolationController{logger: logger}
}

func (c *LinuxIsolationController) chainName(bridge string) string {
	return "isolate-" + bridge
}

// EnsureChain creates the bridge-family forward chain for bridge if it
// does not already exist.
func (c *LinuxIsolationController) EnsureChain(bridge string) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("devicehandler: isolation: ensure chain: %w", err)
	}
	table := c.ensureTable(conn)
	conn.AddChain(&nftables.Chain{
		Name:     c.chainName(bridge),
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("devicehandler: isolation: ensure chain %q: %w", bridge, err)
	}
	c.logger.Debug("isolation chain ensured", "bridge", bridge)
	return nil
}

// ApplyRules replaces all rules in bridge's isolation chain atomically:
// a deny rule per present member, matched on output interface name.
func (c *LinuxIsolationController) ApplyRules(bridge string, rules []IsolationRule) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("devicehandler: isolation: apply rules: %w", err)
	}
	table := c.ensureTable(conn)
	chain := conn.AddChain(&nftables.Chain{
		Name:     c.chainName(bridge),
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	conn.FlushChain(chain)

	for _, rule := range rules {
		ifaceData := ifaceNameBytes(rule.Member)
		exprs := []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifaceData},
			&expr.Counter{},
		}
		switch rule.Action {
		case "allow":
			exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
		default:
			exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
		}
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("devicehandler: isolation: apply rules to %q: %w", bridge, err)
	}
	c.logger.Debug("isolation rules applied", "bridge", bridge, "count", len(rules))
	return nil
}

// DeleteChain removes bridge's isolation chain. Idempotent.
func (c *LinuxIsolationController) DeleteChain(bridge string) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("devicehandler: isolation: delete chain: %w", err)
	}
	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyBridge)
	if err != nil {
		return fmt.Errorf("devicehandler: isolation: delete chain: list: %w", err)
	}
	target := c.chainName(bridge)
	for _, ch := range chains {
		if ch.Table.Name == isolationTableName && ch.Name == target {
			conn.DelChain(ch)
			if err := conn.Flush(); err != nil {
				return fmt.Errorf("devicehandler: isolation: delete chain %q: %w", bridge, err)
			}
			c.logger.Debug("isolation chain deleted", "bridge", bridge)
			return nil
		}
	}
	return nil // already gone: idempotent success
}

func (c *LinuxIsolationController) ensureTable(conn *nftables.Conn) *nftables.Table {
	return conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyBridge,
		Name:   isolationTableName,
	})
}

// ifaceNameBytes returns the interface name followed by one null
// terminator (len(name)+1 bytes) for nftables expression matching.
func ifaceNameBytes(name string) []byte {
	buf := make([]byte, 16)
	copy(buf, name)
	return buf[:len(name)+1]
}
