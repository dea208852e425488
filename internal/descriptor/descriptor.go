// Package descriptor implements the handler-descriptor loader described in
// SPEC_FULL.md Part A §6: it parses declarative per-type description files
// (configuration schema, info schema, stats schema) from a configured
// directory at init. The loader itself is an out-of-scope collaborator
// (SPEC_FULL.md Part A §1); what's in scope is the parsed result it
// produces, consumed by internal/devicectl's type registry glue.
//
// Grounded on the teacher's Config/ApplyDefaults/Validate triad
// (plexsphere/plexd's internal/bridge/config.go,
// internal/policy's config.go) and its gopkg.in/yaml.v3 usage.
package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/netifdevctl/netifdevctl/internal/devicectl"
)

// FieldSpec is one (name, type) schema entry as written in a descriptor
// file. Type is one of the scalar names below, "array", or "table".
type FieldSpec struct {
	Name   string      `yaml:"name"`
	Type   string      `yaml:"type"`
	Elem   *FieldSpec  `yaml:"elem,omitempty"`
	Fields []FieldSpec `yaml:"fields,omitempty"`
}

// Descriptor is one per-type descriptor file.
type Descriptor struct {
	TypeName         string      `yaml:"type_name"`
	PeerObjectName   string      `yaml:"ubus_name"`
	BridgeCapable    bool        `yaml:"bridge_capable"`
	BridgeNamePrefix string      `yaml:"bridge_name_prefix"`
	Config           []FieldSpec `yaml:"config"`
	Info             []FieldSpec `yaml:"info"`
	Stats            []FieldSpec `yaml:"stats"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (d *Descriptor) ApplyDefaults() {
	if d.BridgeNamePrefix == "" && d.BridgeCapable {
		d.BridgeNamePrefix = "br"
	}
}

// Validate checks that a descriptor is well-formed.
func (d *Descriptor) Validate() error {
	if d.TypeName == "" {
		return fmt.Errorf("descriptor: type_name is required")
	}
	if d.PeerObjectName == "" {
		return fmt.Errorf("descriptor: %s: ubus_name is required", d.TypeName)
	}
	for _, group := range [][]FieldSpec{d.Config, d.Info, d.Stats} {
		if _, err := toSchema(group); err != nil {
			return fmt.Errorf("descriptor: %s: %w", d.TypeName, err)
		}
	}
	return nil
}

// LoadDir reads every *.yaml/*.yml file in dir and parses it as a
// Descriptor. Files are processed in lexical order for deterministic
// binding registration.
func LoadDir(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("descriptor: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("descriptor: read %s: %w", path, err)
		}
		var d Descriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("descriptor: parse %s: %w", path, err)
		}
		d.ApplyDefaults()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Binding converts a Descriptor into a devicectl.DeviceTypeBinding, with
// PeerID/Subscribed left at their zero values: subscription happens
// separately, at Controller.RegisterType time.
func (d *Descriptor) Binding() (*devicectl.DeviceTypeBinding, error) {
	cfg, err := toSchema(d.Config)
	if err != nil {
		return nil, fmt.Errorf("descriptor: %s: config schema: %w", d.TypeName, err)
	}
	info, err := toSchema(d.Info)
	if err != nil {
		return nil, fmt.Errorf("descriptor: %s: info schema: %w", d.TypeName, err)
	}
	stats, err := toSchema(d.Stats)
	if err != nil {
		return nil, fmt.Errorf("descriptor: %s: stats schema: %w", d.TypeName, err)
	}

	return &devicectl.DeviceTypeBinding{
		TypeName:         d.TypeName,
		PeerObjectName:   d.SubscriberObjectName(),
		BridgeCapable:    d.BridgeCapable,
		BridgeNamePrefix: d.BridgeNamePrefix,
		ConfigSchema:     cfg,
		InfoSchema:       info,
		StatsSchema:      stats,
	}, nil
}

// SubscriberObjectName returns the bus object name this type binding
// should be published under (SPEC_FULL.md Part A §6: "network.device.ubus.<peer>").
func (d *Descriptor) SubscriberObjectName() string {
	return "network.device.ubus." + d.PeerObjectName
}

func toSchema(fields []FieldSpec) (devicectl.Schema, error) {
	out := make(devicectl.Schema, 0, len(fields))
	for _, f := range fields {
		sf, err := toSchemaField(f)
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, nil
}

func toSchemaField(f FieldSpec) (devicectl.SchemaField, error) {
	if f.Name == "" {
		return devicectl.SchemaField{}, fmt.Errorf("field with empty name")
	}

	t, ok := fieldTypes[f.Type]
	if !ok {
		return devicectl.SchemaField{}, fmt.Errorf("field %q: unrecognised type %q", f.Name, f.Type)
	}

	sf := devicectl.SchemaField{Name: f.Name, Type: t}

	switch t {
	case devicectl.TypeArray:
		if f.Elem == nil {
			return devicectl.SchemaField{}, fmt.Errorf("field %q: array type requires elem", f.Name)
		}
		elem, err := toSchemaField(*f.Elem)
		if err != nil {
			return devicectl.SchemaField{}, err
		}
		sf.Elem = &elem
	case devicectl.TypeTable:
		if len(f.Fields) == 0 {
			return devicectl.SchemaField{}, fmt.Errorf("field %q: table type requires fields", f.Name)
		}
		nested, err := toSchema(f.Fields)
		if err != nil {
			return devicectl.SchemaField{}, err
		}
		sf.Fields = nested
	}

	return sf, nil
}

var fieldTypes = map[string]devicectl.FieldType{
	"int8":   devicectl.TypeInt8,
	"uint8":  devicectl.TypeUint8,
	"int16":  devicectl.TypeInt16,
	"uint16": devicectl.TypeUint16,
	"int32":  devicectl.TypeInt32,
	"uint32": devicectl.TypeUint32,
	"int64":  devicectl.TypeInt64,
	"uint64": devicectl.TypeUint64,
	"string": devicectl.TypeString,
	"array":  devicectl.TypeArray,
	"table":  devicectl.TypeTable,
}
