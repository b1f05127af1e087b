package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/IamTheCarl/grid-engine/internal/engine"
	"github.com/IamTheCarl/grid-engine/internal/faults"
	"github.com/IamTheCarl/grid-engine/internal/modules"
	"github.com/IamTheCarl/grid-engine/internal/persistence/indexdb"
	persistlog "github.com/IamTheCarl/grid-engine/internal/persistence/log"
	"github.com/IamTheCarl/grid-engine/internal/transport/observer"
	"github.com/IamTheCarl/grid-engine/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address (admin surface, loopback only)")
		engineID   = flag.String("engine", "engine_1", "engine id")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		modsetPath = flag.String("modset", "", "path to modset.yaml (default: <configs>/modset.yaml)")
		modsDir    = flag.String("mods", "./mods", "directory holding mod packages")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable sqlite indexing (ticks/faults/quarantine/digests)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if *tuningPath == "" {
		*tuningPath = filepath.Join(*configDir, "tuning.yaml")
	}
	if *modsetPath == "" {
		*modsetPath = filepath.Join(*configDir, "modset.yaml")
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	set, err := modules.LoadModSet(*modsetPath)
	if err != nil {
		logger.Fatalf("modset: %v", err)
	}

	engineDir := filepath.Join(*dataDir, *engineID)
	if err := os.MkdirAll(engineDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(engineDir, "index.db"))
		if err != nil {
			logger.Fatalf("index db: %v", err)
		}
		defer idx.Close()
	}

	tickLog := persistlog.NewTickLogger(engineDir)
	faultLog := persistlog.NewFaultLogger(engineDir)
	defer tickLog.Close()
	defer faultLog.Close()

	ctx, cancel := signalContext()
	defer cancel()

	cfg := engine.Config{
		ID:        *engineID,
		Tuning:    tune,
		TickSink:  multiTickSink{a: tickLog, b: idx},
		FaultSink: multiFaultSink{a: faultLog, b: idx},
	}
	if idx != nil {
		cfg.Store = idx
	}

	eng := engine.New(cfg, logger)
	obsSrv := observer.NewServer(eng, *engineID, tune, logger)
	eng.SetNotifier(obsSrv)

	loadModules(ctx, eng, set, *modsDir, logger)

	if err := eng.InitPhase(ctx); err != nil {
		logger.Fatalf("init phase: %v", err)
	}
	for _, f := range eng.InitFailures() {
		logger.Printf("module %s failed init and was unloaded: %v", f.ModuleID, f.Err)
	}
	if idx != nil {
		if err := idx.UpsertRegistryDigests(eng.Registry()); err != nil {
			logger.Printf("registry digests: %v", err)
		}
	}

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	mux.HandleFunc("/admin/v1/quarantine", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(eng.QuarantineRecords())
	}))
	mux.HandleFunc("/admin/v1/quarantine/reinstate", adminOnly(moduleAction(eng.Reinstate)))
	mux.HandleFunc("/admin/v1/modules/unload", adminOnly(moduleAction(eng.Unload)))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// loadModules opens and links every package in modset order. A package that
// fails to load is reported and skipped; the rest of the set still runs.
func loadModules(ctx context.Context, eng *engine.Engine, set modules.ModSet, modsDir string, logger *log.Logger) {
	for _, name := range set.Modules {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(modsDir, name)
		}
		pkg, err := openPackageFile(path)
		if err != nil {
			logger.Printf("package %s: %v", name, err)
			continue
		}
		if err := eng.LoadPackage(ctx, pkg); err != nil {
			var le *faults.LoadError
			if errors.As(err, &le) {
				logger.Printf("module %s rejected (%s): %v", le.ModuleID, le.Code, err)
			} else {
				logger.Printf("package %s: %v", name, err)
			}
			continue
		}
		logger.Printf("loaded %s", pkg.Manifest.ModuleID)
	}
}

func openPackageFile(path string) (*modules.Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return modules.OpenPackage(f, st.Size())
}

// moduleAction adapts an engine admin call to a POST handler taking
// {"module_id": "..."}.
func moduleAction(fn func(string) error) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			ModuleID string `json:"module_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ModuleID == "" {
			http.Error(rw, "expected {\"module_id\": ...}", http.StatusBadRequest)
			return
		}
		if err := fn(body.ModuleID); err != nil {
			http.Error(rw, err.Error(), http.StatusConflict)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(rw, "{\"module_id\":%q,\"ok\":true}\n", body.ModuleID)
	}
}

func adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// multiTickSink fans tick entries to the JSONL log and the sqlite index.
type multiTickSink struct {
	a engine.TickSink
	b *indexdb.SQLiteIndex
}

func (m multiTickSink) WriteTick(v engine.TickLogEntry) error {
	err := m.a.WriteTick(v)
	if m.b != nil {
		if err2 := m.b.WriteTick(v); err == nil {
			err = err2
		}
	}
	return err
}

type multiFaultSink struct {
	a engine.FaultSink
	b *indexdb.SQLiteIndex
}

func (m multiFaultSink) WriteFault(v engine.FaultLogEntry) error {
	err := m.a.WriteFault(v)
	if m.b != nil {
		if err2 := m.b.WriteFault(v); err == nil {
			err = err2
		}
	}
	return err
}
