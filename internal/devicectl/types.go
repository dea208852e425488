// Package devicectl implements the proxy controller for externally-managed
// network devices described in SPEC_FULL.md: it is the core of this module.
//
// The package keeps per-entity state machines for devices, bridges, and
// bridge members synchronised against an out-of-process external device
// handler reached over internal/bus, driving bounded retries on
// notification timeout and surviving handler disappearance.
package devicectl

import (
	"encoding/json"
	"time"

	"github.com/netifdevctl/netifdevctl/internal/registry"
)

// SyncState is the controller's belief about whether a local entity's
// state matches the external handler's view (SPEC_FULL.md Part A §3).
// Exactly one state applies to an entity at any instant.
type SyncState int

const (
	Synchronized SyncState = iota
	PendingCreate
	PendingReload
	PendingFree
	PendingDisable
	PendingPrepare
	PendingAdd
	PendingRemove
)

func (s SyncState) String() string {
	switch s {
	case Synchronized:
		return "synchronized"
	case PendingCreate:
		return "pending-create"
	case PendingReload:
		return "pending-reload"
	case PendingFree:
		return "pending-free"
	case PendingDisable:
		return "pending-disable"
	case PendingPrepare:
		return "pending-prepare"
	case PendingAdd:
		return "pending-add"
	case PendingRemove:
		return "pending-remove"
	default:
		return "unknown"
	}
}

// pending reports whether the state has an outstanding method call that a
// retry timer should be driving.
func (s SyncState) pending() bool {
	return s != Synchronized
}

const (
	// TimeoutMS is the retry timer duration, per SPEC_FULL.md Part A §4.6.
	TimeoutMS = 1000 * time.Millisecond
	// MaxRetries bounds retries per entity (invariant 6 / §4.6).
	MaxRetries = 3
)

// FieldType is a schema scalar or container type (SPEC_FULL.md Part A §4.7).
type FieldType int

const (
	TypeInt8 FieldType = iota
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeString
	TypeArray
	TypeTable
)

// SchemaField is one (name, scalar-or-container type) entry in a config,
// info, or stats schema bundle. Array fields describe their element type
// in Elem; table fields describe their member fields in Fields. Both are
// recognised and recursively projected; any other FieldType value is
// unknown and skipped silently by reply projection.
type SchemaField struct {
	Name   string
	Type   FieldType
	Elem   *SchemaField
	Fields []SchemaField
}

// Schema is an ordered list of schema fields, as loaded from a descriptor.
type Schema []SchemaField

// DeviceTypeBinding is one per descriptor loaded at startup (SPEC_FULL.md
// Part A §3). It is created at init from descriptors and destroyed only at
// shutdown.
type DeviceTypeBinding struct {
	TypeName        string
	PeerObjectName  string
	PeerID          uint32
	Subscribed      bool
	ConfigSchema    Schema
	InfoSchema      Schema
	StatsSchema     Schema
	BridgeCapable   bool
	BridgeNamePrefix string
}

// ManagedDevice is one per device instance (SPEC_FULL.md Part A §3).
type ManagedDevice struct {
	Name    string
	Binding *DeviceTypeBinding
	Dev     *registry.Device

	Sync        SyncState
	RetryCount  int
	retryTimer  *time.Timer
	pending     pendingHandle
	quarantined bool

	// configBlob is the last config sent to create/reload, so retries can
	// rebuild the payload without re-diffing.
	configBlob json.RawMessage
}

// pendingHandle is satisfied by *bus.PendingRequest; kept as a narrow
// interface here so devicectl does not need to import bus for the handle
// type alone.
type pendingHandle interface {
	Cancel()
}

// IsQuarantined reports whether this entity exhausted its retry budget and
// is no longer being driven (SPEC_FULL.md Part A §4.4 / invariant 6).
func (d *ManagedDevice) IsQuarantined() bool { return d.quarantined }

// ManagedBridge extends ManagedDevice with bridge-specific state
// (SPEC_FULL.md Part A §3).
type ManagedBridge struct {
	ManagedDevice

	ConfigBlob   json.RawMessage
	IfNames      []string
	Empty        bool
	Active       bool
	ForceActive  bool
	NPresent     int
	NFailed      int

	Members *MemberList

	// SetStateCB is the daemon-preserved set-state callback: it is invoked
	// with true when a create notification confirms the bridge and with
	// false by SetBridgeDown. Reload confirmations do not invoke it.
	SetStateCB func(up bool)
}

// BridgeMember is one per member slot inside a ManagedBridge (SPEC_FULL.md
// Part A §3).
type BridgeMember struct {
	Name    string
	Parent  *ManagedBridge
	User    *registry.User
	Present bool
	Hotplug bool

	Sync       SyncState
	RetryCount int
	retryTimer *time.Timer
	pending    pendingHandle
	quarantined bool
}

// IsQuarantined reports whether this member exhausted its retry budget.
func (m *BridgeMember) IsQuarantined() bool { return m.quarantined }

// ConfigClass classifies a configuration change, per the original source's
// ubusdev_reload_svc (SPEC_FULL.md Part D).
type ConfigClass int

const (
	// ClassNone means the new config is identical to the old one; no
	// request is sent to the handler at all.
	ClassNone ConfigClass = iota
	// ClassApplied means the change can be sent as a plain reload.
	ClassApplied
	// ClassRestart means the change requires a full free+create cycle
	// (e.g. a bridge's empty/ifname topology changed).
	ClassRestart
)
