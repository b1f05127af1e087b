// modcheck verifies mod packages offline: manifest schema, ABI and
// capability policy, memory limits, and wasm linkability, using the same
// loader the server uses. Exit status is nonzero when any package fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IamTheCarl/grid-engine/internal/faults"
	"github.com/IamTheCarl/grid-engine/internal/modules"
	"github.com/IamTheCarl/grid-engine/internal/sandbox"
	"github.com/IamTheCarl/grid-engine/internal/tuning"
)

func main() {
	tuningPath := flag.String("tuning", "", "tuning.yaml with the policy to check against (default: built-in defaults)")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: modcheck [-tuning tuning.yaml] package.zip ...")
		os.Exit(2)
	}

	tune := tuning.Defaults()
	if *tuningPath != "" {
		var err error
		tune, err = tuning.Load(*tuningPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tuning: %v\n", err)
			os.Exit(2)
		}
	}
	loader := sandbox.NewLoader(sandbox.PolicyFromTuning(tune))

	failed := 0
	for _, path := range flag.Args() {
		if err := checkPackage(loader, path); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", path, err)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func checkPackage(loader *sandbox.Loader, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	pkg, err := modules.OpenPackage(f, st.Size())
	if err != nil {
		return err
	}
	mf := pkg.Manifest

	fmt.Printf("%s %s (abi %d, %s, %d pages)\n", mf.ModuleID, mf.Version, mf.ABIVersion, mf.Runtime, mf.MemoryPages)
	for _, cap := range mf.Capabilities {
		fmt.Printf("  capability %s\n", cap)
	}
	for _, ns := range mf.Namespaces {
		fmt.Printf("  namespace %s\n", ns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	in, err := loader.Load(ctx, pkg, sandbox.NopHost{})
	if err != nil {
		var le *faults.LoadError
		if errors.As(err, &le) {
			return fmt.Errorf("%s: %s", le.Code, le.Detail)
		}
		return err
	}
	defer in.Close(ctx)

	var hooks []string
	for _, h := range []string{sandbox.HookRegister, sandbox.HookTick} {
		if in.HasHook(h) {
			hooks = append(hooks, h)
		}
	}
	if len(hooks) == 0 {
		fmt.Println("  hooks: none")
	} else {
		fmt.Printf("  hooks: %s\n", strings.Join(hooks, ", "))
	}
	fmt.Printf("OK %s\n", path)
	return nil
}
