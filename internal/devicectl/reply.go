package devicectl

import (
	"encoding/json"

	"github.com/netifdevctl/netifdevctl/internal/sysstat"
)

// DumpInfo invokes dump_info synchronously and projects the reply through
// binding's info schema (SPEC_FULL.md Part A §4.7). System-level device
// statistics are appended under "system_stats" after projection. Returns
// an error if the binding has no info schema wired (the daemon would
// simply never call this method in that case).
func (c *Controller) DumpInfo(name string) (map[string]any, error) {
	binding, ifname, err := c.resolveForDump(name)
	if err != nil {
		return nil, err
	}
	if len(binding.InfoSchema) == 0 {
		return nil, newErr(KindNotSupported, name, "device type has no info schema")
	}

	raw, err := c.invoker.InvokeSync(binding, MethodDumpInfo, namePayload(name))
	if err != nil {
		return nil, newErr(KindInvocation, name, err.Error())
	}

	out := ProjectReply(binding.InfoSchema, raw)
	if counters, err := sysstat.ReadIfaceCounters(ifname); err == nil {
		out["system_stats"] = counters
	}
	return out, nil
}

// DumpStats invokes dump_stats synchronously and projects the reply
// through binding's stats schema. No system-level augmentation is applied
// here (only dump_info gets it, per §4.7).
func (c *Controller) DumpStats(name string) (map[string]any, error) {
	binding, _, err := c.resolveForDump(name)
	if err != nil {
		return nil, err
	}
	if len(binding.StatsSchema) == 0 {
		return nil, newErr(KindNotSupported, name, "device type has no stats schema")
	}

	raw, err := c.invoker.InvokeSync(binding, MethodDumpStats, namePayload(name))
	if err != nil {
		return nil, newErr(KindInvocation, name, err.Error())
	}
	return ProjectReply(binding.StatsSchema, raw), nil
}

func (c *Controller) resolveForDump(name string) (*DeviceTypeBinding, string, error) {
	if b, ok := c.getBridge(name); ok {
		return b.Binding, b.Name, nil
	}
	if md, ok := c.getDevice(name); ok {
		return md.Binding, md.Name, nil
	}
	return nil, "", newErr(KindNotFound, name, "no such device")
}

// ProjectReply projects each field named in schema out of raw into a
// generic map, recursively handling array and table containers. Fields
// named in the schema but absent from raw are skipped; fields of an
// unrecognised FieldType are skipped silently (SPEC_FULL.md Part A §4.7).
func ProjectReply(schema Schema, raw json.RawMessage) map[string]any {
	out := make(map[string]any, len(schema))
	if len(raw) == 0 {
		return out
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return out
	}
	for _, f := range schema {
		v, ok := obj[f.Name]
		if !ok {
			continue
		}
		projected, ok := projectField(f, v)
		if !ok {
			continue
		}
		out[f.Name] = projected
	}
	return out
}

func projectField(f SchemaField, raw json.RawMessage) (any, bool) {
	switch f.Type {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, false
		}
		return n, true
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		var n uint64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, false
		}
		return n, true
	case TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		return s, true
	case TypeArray:
		if f.Elem == nil {
			return nil, false
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, false
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			v, ok := projectField(*f.Elem, e)
			if ok {
				out = append(out, v)
			}
		}
		return out, true
	case TypeTable:
		return ProjectReply(f.Fields, raw), true
	default:
		return nil, false
	}
}
