// Package modules loads module packages: the immutable unit of untrusted
// guest code (compiled wasm) plus the manifest declaring what it wants.
package modules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchemaJSON)

const (
	RuntimeWasm   = "wasm"
	RuntimeNative = "native"
)

// Manifest declares a module's identity, ABI target, requested capabilities
// and the content namespaces it intends to populate. The capabilities and
// namespaces lists are ordered; order is significant for grant computation
// and error reporting.
type Manifest struct {
	ModuleID     string   `json:"module_id"`
	Version      string   `json:"version"`
	ABIVersion   int      `json:"abi_version"`
	Runtime      string   `json:"runtime"`
	Entry        string   `json:"entry,omitempty"`
	MemoryPages  uint32   `json:"memory_pages"`
	Capabilities []string `json:"capabilities"`
	Namespaces   []string `json:"namespaces"`
}

// ParseManifest validates raw manifest JSON against the schema and decodes
// it. The schema enforces shape; semantic checks (semver, declared entry)
// live here.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return m, fmt.Errorf("manifest: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return m, fmt.Errorf("manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("manifest: %w", err)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return m, fmt.Errorf("manifest: version %q: %w", m.Version, err)
	}
	if m.Runtime == RuntimeWasm && m.Entry == "" {
		return m, fmt.Errorf("manifest: wasm module %q missing entry", m.ModuleID)
	}
	return m, nil
}

// RequestsCapability reports whether the manifest asks for cap.
func (m Manifest) RequestsCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// DeclaresNamespace reports whether the manifest claims ns.
func (m Manifest) DeclaresNamespace(ns string) bool {
	for _, n := range m.Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}
