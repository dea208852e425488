package devicectl

import (
	"bytes"
	"encoding/json"
)

// bridgeTopology is the subset of a bridge config that forces a RESTART-
// class change when it differs, per SPEC_FULL.md Part D (grounded on
// original_source/ubusdev.c's ubusdev_reload_svc, which classifies a
// reload as DEV_CONFIG_RESTART when ifname/empty changes and
// DEV_CONFIG_APPLIED otherwise).
type bridgeTopology struct {
	Empty  bool     `json:"empty"`
	IfName []string `json:"ifname"`
}

// ClassifyBridgeConfig compares oldCfg and newCfg and returns the class of
// change this reload represents.
func ClassifyBridgeConfig(oldCfg, newCfg json.RawMessage) ConfigClass {
	if jsonEqual(oldCfg, newCfg) {
		return ClassNone
	}

	var oldTopo, newTopo bridgeTopology
	_ = json.Unmarshal(oldCfg, &oldTopo)
	_ = json.Unmarshal(newCfg, &newTopo)

	if oldTopo.Empty != newTopo.Empty || !stringSlicesEqual(oldTopo.IfName, newTopo.IfName) {
		return ClassRestart
	}
	return ClassApplied
}

// ClassifyDeviceConfig classifies a reload for a non-bridge device: plain
// devices have no topology concept, so any non-trivial diff is APPLIED in
// place (SPEC_FULL.md Part A §4.4: "Synchronized → PendingReload via
// reload on a non-empty configuration diff").
func ClassifyDeviceConfig(oldCfg, newCfg json.RawMessage) ConfigClass {
	if jsonEqual(oldCfg, newCfg) {
		return ClassNone
	}
	return ClassApplied
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	canonA, _ := json.Marshal(av)
	canonB, _ := json.Marshal(bv)
	return bytes.Equal(canonA, canonB)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
