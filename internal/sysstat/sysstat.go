// Package sysstat reads kernel-maintained per-interface statistics, the
// "system-level dump helpers" SPEC_FULL.md Part A §1 lists as an
// out-of-scope collaborator that augments controller-produced info. It is
// implemented directly against os.ReadFile rather than a third-party
// library: see DESIGN.md for why no pack dependency fits a four-line
// /sys reader.
package sysstat

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// counterFiles are the /sys/class/net/<ifname>/statistics/* entries read
// into the info reply's "system_stats" augmentation.
var counterFiles = []string{
	"rx_bytes", "tx_bytes",
	"rx_packets", "tx_packets",
	"rx_errors", "tx_errors",
	"rx_dropped", "tx_dropped",
}

// sysClassNetDir is overridable in tests.
var sysClassNetDir = "/sys/class/net"

// ReadIfaceCounters reads the kernel statistics counters for the named
// network interface. Missing counter files are skipped; a missing
// interface directory is an error.
func ReadIfaceCounters(ifname string) (map[string]uint64, error) {
	base := filepath.Join(sysClassNetDir, ifname, "statistics")
	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("sysstat: %s: %w", ifname, err)
	}

	out := make(map[string]uint64, len(counterFiles))
	for _, name := range counterFiles {
		data, err := os.ReadFile(filepath.Join(base, name))
		if err != nil {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		out[name] = n
	}
	return out, nil
}
