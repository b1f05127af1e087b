package modules

import (
	"strings"
	"testing"
)

const validManifest = `{
  "module_id": "base_terrain",
  "version": "1.2.0",
  "abi_version": 1,
  "runtime": "wasm",
  "entry": "main.wasm",
  "memory_pages": 64,
  "capabilities": ["world.read", "world.mutate"],
  "namespaces": ["base"]
}`

func TestParseManifest_Valid(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.ModuleID != "base_terrain" {
		t.Fatalf("ModuleID: got %q", m.ModuleID)
	}
	if m.ABIVersion != 1 || m.Runtime != RuntimeWasm || m.Entry != "main.wasm" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if !m.RequestsCapability("world.mutate") || m.RequestsCapability("entity.spawn") {
		t.Fatal("RequestsCapability wrong")
	}
	if !m.DeclaresNamespace("base") || m.DeclaresNamespace("core") {
		t.Fatal("DeclaresNamespace wrong")
	}
}

func TestParseManifest_Rejections(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing module_id", `{"version":"1.0.0","abi_version":1,"runtime":"native","capabilities":[],"namespaces":[]}`},
		{"bad module_id", `{"module_id":"Bad-Name","version":"1.0.0","abi_version":1,"runtime":"native","capabilities":[],"namespaces":[]}`},
		{"bad semver", `{"module_id":"m","version":"not_a_version","abi_version":1,"runtime":"native","capabilities":[],"namespaces":[]}`},
		{"unknown runtime", `{"module_id":"m","version":"1.0.0","abi_version":1,"runtime":"jar","capabilities":[],"namespaces":[]}`},
		{"abi zero", `{"module_id":"m","version":"1.0.0","abi_version":0,"runtime":"native","capabilities":[],"namespaces":[]}`},
		{"wasm without entry", `{"module_id":"m","version":"1.0.0","abi_version":1,"runtime":"wasm","capabilities":[],"namespaces":[]}`},
		{"unknown field", `{"module_id":"m","version":"1.0.0","abi_version":1,"runtime":"native","capabilities":[],"namespaces":[],"extra":1}`},
		{"bad namespace", `{"module_id":"m","version":"1.0.0","abi_version":1,"runtime":"native","capabilities":[],"namespaces":["Core!"]}`},
		{"not json", `{"module_id":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tc.json)); err == nil {
				t.Fatalf("accepted %s", tc.name)
			}
		})
	}
}

func TestParseManifest_NativeNeedsNoEntry(t *testing.T) {
	raw := strings.Replace(validManifest, `"runtime": "wasm",
  "entry": "main.wasm",`, `"runtime": "native",`, 1)
	if _, err := ParseManifest([]byte(raw)); err != nil {
		t.Fatalf("ParseManifest native: %v", err)
	}
}
