package devicectl

import (
	"encoding/json"
	"log/slog"

	"github.com/netifdevctl/netifdevctl/internal/bus"
)

// Method names for the outbound methods listed in SPEC_FULL.md Part A §6.
const (
	MethodCreate     = "create"
	MethodConfigInit = "config_init"
	MethodReload     = "reload"
	MethodFree       = "free"
	MethodDumpInfo   = "dump_info"
	MethodDumpStats  = "dump_stats"
	MethodCheckState = "check_state"
	MethodAdd        = "add"
	MethodRemove     = "remove"
	MethodPrepare    = "prepare"
)

// Invoker issues async/sync requests to the peer object and is the thin
// layer devicectl code goes through instead of calling internal/bus
// directly (SPEC_FULL.md Part A §4.1). It exists mainly to centralise
// logging and payload construction; cancellation lives on the
// pending-request handle returned by bus.Bus, stored inside the owning
// entity so destruction is O(1).
type Invoker struct {
	transport *bus.Bus
	logger    *slog.Logger
}

// NewInvoker creates an Invoker over transport.
func NewInvoker(transport *bus.Bus, logger *slog.Logger) *Invoker {
	return &Invoker{transport: transport, logger: logger.With("component", "devicectl.invoker")}
}

// InvokeAsync issues an async request against binding's peer object.
// onComplete receives the transport status; 0 means delivered and
// accepted. Errors at submission are returned directly; errors during
// execution surface only through onComplete.
func (inv *Invoker) InvokeAsync(binding *DeviceTypeBinding, method string, payload json.RawMessage, onData bus.DataCallback, onComplete bus.CompleteCallback) (*bus.PendingRequest, error) {
	req, err := inv.transport.InvokeAsync(binding.PeerID, method, payload, onData, onComplete)
	if err != nil {
		inv.logger.Warn("invoke async submission failed",
			"type", binding.TypeName,
			"method", method,
			"error", err,
		)
	}
	return req, err
}

// InvokeSync issues a synchronous request, used only by dump_info/dump_stats.
func (inv *Invoker) InvokeSync(binding *DeviceTypeBinding, method string, payload json.RawMessage) (json.RawMessage, error) {
	return inv.transport.InvokeSync(binding.PeerID, method, payload)
}

// namePayload builds the common {"name": name} request payload used by
// free/prepare/dump_info/dump_stats/check_state.
func namePayload(name string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Name string `json:"name"`
	}{Name: name})
	return b
}

// memberPayload builds the {"bridge": bridge, "member": member} payload
// used by add/remove.
func memberPayload(bridge, member string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Bridge string `json:"bridge"`
		Member string `json:"member"`
	}{Bridge: bridge, Member: member})
	return b
}

// createPayload builds the {"name": name, "config": config} payload used
// by create/reload. The original spec's outbound table (§6) describes
// these payloads simply as "device config"; since a single peer object
// serves every device of a type, the name has to travel alongside the
// config so the handler knows which device it is creating or reloading.
// This wrapping is a deliberate resolution of that ambiguity, not a
// literal transcription of an unambiguous source.
func createPayload(name string, config json.RawMessage) json.RawMessage {
	b, _ := json.Marshal(struct {
		Name   string          `json:"name"`
		Config json.RawMessage `json:"config"`
	}{Name: name, Config: config})
	return b
}
