package modules

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

var wasmStub = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestOpenPackage_Valid(t *testing.T) {
	raw := buildZip(t, map[string][]byte{
		"manifest.json":  []byte(validManifest),
		"wasm/main.wasm": wasmStub,
	})
	pkg, err := OpenPackage(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("OpenPackage: %v", err)
	}
	if pkg.Manifest.ModuleID != "base_terrain" {
		t.Fatalf("ModuleID: got %q", pkg.Manifest.ModuleID)
	}
	if !bytes.Equal(pkg.Wasm, wasmStub) {
		t.Fatal("wasm bytes not read")
	}
}

func TestOpenPackage_MissingManifest(t *testing.T) {
	raw := buildZip(t, map[string][]byte{"wasm/main.wasm": wasmStub})
	if _, err := OpenPackage(bytes.NewReader(raw), int64(len(raw))); err == nil {
		t.Fatal("accepted package without manifest.json")
	}
}

func TestOpenPackage_MissingEntry(t *testing.T) {
	raw := buildZip(t, map[string][]byte{
		"manifest.json":   []byte(validManifest),
		"wasm/other.wasm": wasmStub,
	})
	if _, err := OpenPackage(bytes.NewReader(raw), int64(len(raw))); err == nil {
		t.Fatal("accepted package missing declared entry")
	}
}

func TestOpenPackage_NonstandardPathsNamed(t *testing.T) {
	raw := buildZip(t, map[string][]byte{
		"manifest.json":  []byte(validManifest),
		"wasm/main.wasm": wasmStub,
		"payload.sh":     []byte("#!/bin/sh"),
		"extra/x.bin":    {1, 2, 3},
	})
	_, err := OpenPackage(bytes.NewReader(raw), int64(len(raw)))
	if err == nil {
		t.Fatal("accepted package with stray files")
	}
	msg := err.Error()
	if !strings.Contains(msg, "payload.sh") || !strings.Contains(msg, "extra/x.bin") {
		t.Fatalf("error does not name stray files: %v", err)
	}
}

func TestOpenPackage_NotAZip(t *testing.T) {
	raw := []byte("definitely not a zip archive")
	if _, err := OpenPackage(bytes.NewReader(raw), int64(len(raw))); err == nil {
		t.Fatal("accepted non-zip input")
	}
}
