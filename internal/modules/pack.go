package modules

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Package is one loaded module package: the parsed manifest plus the wasm
// entry binary. Read-only after load.
type Package struct {
	Manifest Manifest
	Wasm     []byte
}

// OpenPackage reads a module package archive: a zip containing manifest.json
// at the root and wasm binaries under wasm/. Any other path is rejected with
// the offending files named, so a package cannot smuggle unexpected content
// past an operator review.
func OpenPackage(r io.ReaderAt, size int64) (*Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("package: %w", err)
	}

	var manifestRaw []byte
	wasmFiles := map[string]*zip.File{}
	var nonstandard []string

	for _, f := range zr.File {
		name := path.Clean(f.Name)
		switch {
		case name == "manifest.json":
			manifestRaw, err = readZipFile(f)
			if err != nil {
				return nil, fmt.Errorf("package: manifest.json: %w", err)
			}
		case strings.HasPrefix(name, "wasm/") && !strings.Contains(name, ".."):
			wasmFiles[strings.TrimPrefix(name, "wasm/")] = f
		case strings.HasSuffix(f.Name, "/"):
			// Directory entries are harmless.
		default:
			nonstandard = append(nonstandard, f.Name)
		}
	}

	if manifestRaw == nil {
		return nil, fmt.Errorf("package: missing manifest.json")
	}
	if len(nonstandard) > 0 {
		sort.Strings(nonstandard)
		return nil, fmt.Errorf("package: non-standard files: %s", strings.Join(nonstandard, ", "))
	}

	m, err := ParseManifest(manifestRaw)
	if err != nil {
		return nil, err
	}

	p := &Package{Manifest: m}
	if m.Runtime == RuntimeWasm {
		f, ok := wasmFiles[m.Entry]
		if !ok {
			return nil, fmt.Errorf("package: module %q entry wasm/%s not found", m.ModuleID, m.Entry)
		}
		p.Wasm, err = readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("package: wasm/%s: %w", m.Entry, err)
		}
	}
	return p, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
