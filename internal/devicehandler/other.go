//go:build !linux

package devicehandler

import (
	"fmt"
	"log/slog"
)

// LinuxLinkController is unavailable on non-Linux platforms; its methods
// all fail. Use a test double (LinkController) instead.
type LinuxLinkController struct{}

// NewLinuxLinkController returns a LinuxLinkController that always errors.
func NewLinuxLinkController(_ *slog.Logger) *LinuxLinkController { return &LinuxLinkController{} }

func (c *LinuxLinkController) EnsureBridge(name string) error {
	return fmt.Errorf("devicehandler: bridge link control unsupported on this platform")
}

func (c *LinuxLinkController) DeleteBridge(name string) error {
	return fmt.Errorf("devicehandler: bridge link control unsupported on this platform")
}

func (c *LinuxLinkController) SetUp(name string, up bool) error {
	return fmt.Errorf("devicehandler: bridge link control unsupported on this platform")
}

func (c *LinuxLinkController) AddMember(bridge, member string) error {
	return fmt.Errorf("devicehandler: bridge link control unsupported on this platform")
}

func (c *LinuxLinkController) RemoveMember(bridge, member string) error {
	return fmt.Errorf("devicehandler: bridge link control unsupported on this platform")
}

// LinuxIsolationController is unavailable on non-Linux platforms; its
// methods all fail. Use a test double (IsolationController) instead.
type LinuxIsolationController struct{}

// NewLinuxIsolationController returns a LinuxIsolationController that always errors.
func NewLinuxIsolationController(_ *slog.Logger) *LinuxIsolationController {
	return &LinuxIsolationController{}
}

func (c *LinuxIsolationController) EnsureChain(bridge string) error {
	return fmt.Errorf("devicehandler: nftables isolation unsupported on this platform")
}

func (c *LinuxIsolationController) ApplyRules(bridge string, rules []IsolationRule) error {
	return fmt.Errorf("devicehandler: nftables isolation unsupported on this platform")
}

func (c *LinuxIsolationController) DeleteChain(bridge string) error {
	return fmt.Errorf("devicehandler: nftables isolation unsupported on this platform")
}
