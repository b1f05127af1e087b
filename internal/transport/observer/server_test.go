package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/IamTheCarl/grid-engine/internal/engine"
	"github.com/IamTheCarl/grid-engine/internal/modules"
	"github.com/IamTheCarl/grid-engine/internal/observerproto"
	"github.com/IamTheCarl/grid-engine/internal/registry"
	"github.com/IamTheCarl/grid-engine/internal/sandbox"
	"github.com/IamTheCarl/grid-engine/internal/tuning"
)

func testServer(t *testing.T) (*Server, *engine.Engine, *httptest.Server) {
	t.Helper()
	tune := tuning.Defaults()
	eng := engine.New(engine.Config{ID: "obs_test", Tuning: tune}, log.New(io.Discard, "", 0))

	mf := modules.Manifest{
		ModuleID: "base", Version: "1.0.0", ABIVersion: 1,
		Runtime: modules.RuntimeNative, Namespaces: []string{"base"},
	}
	err := eng.LoadNative(mf, sandbox.NativeModule{Register: func(env *sandbox.Env) error {
		env.RegisterContent("base", "stone", uint32(registry.CategoryBlock), nil)
		return nil
	}})
	if err != nil {
		t.Fatalf("LoadNative: %v", err)
	}
	if err := eng.InitPhase(context.Background()); err != nil {
		t.Fatalf("InitPhase: %v", err)
	}

	srv := NewServer(eng, "obs_test", tune, log.New(io.Discard, "", 0))
	eng.SetNotifier(srv)

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/v1/observer/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", srv.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, eng, ts
}

func TestBootstrap(t *testing.T) {
	_, eng, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/admin/v1/observer/bootstrap")
	if err != nil {
		t.Fatalf("GET bootstrap: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var boot observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.ProtocolVersion != observerproto.Version || boot.EngineID != "obs_test" {
		t.Fatalf("bootstrap header: %+v", boot)
	}
	if boot.Registry.Blocks.Digest != eng.Registry().Digest(registry.CategoryBlock) {
		t.Fatal("block digest mismatch")
	}
	if boot.Registry.Blocks.Count != 2 { // core:air + base:stone
		t.Fatalf("block count: got %d want 2", boot.Registry.Blocks.Count)
	}
	if boot.Registry.Combined != eng.Registry().CombinedDigest() {
		t.Fatal("combined digest mismatch")
	}
	if boot.ModuleStates["base"] != sandbox.StateLinked.String() {
		t.Fatalf("module states: %v", boot.ModuleStates)
	}
	if boot.EngineParams.HookFuelBudget != tuning.Defaults().HookFuelBudget {
		t.Fatalf("engine params: %+v", boot.EngineParams)
	}
}

func dialObserver(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/admin/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestObserverStream_TickAndQuarantine(t *testing.T) {
	srv, _, ts := testServer(t)
	conn := dialObserver(t, ts)

	sub := observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Give the server a moment to register the subscriber before notifying.
	waitSubscribed(t, srv)

	srv.NotifyTick(engine.TickLogEntry{Tick: 7, ModulesRun: 1, FuelUsed: 12})
	srv.NotifyQuarantine(engine.QuarantineRecord{
		ModuleID: "hog", Tick: 8, FaultCode: "E_FUEL_EXHAUSTED", Eligible: true,
	})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var tick observerproto.TickMsg
	if err := conn.ReadJSON(&tick); err != nil {
		t.Fatalf("read tick: %v", err)
	}
	if tick.Type != observerproto.TypeTick || tick.Tick != 7 || tick.FuelUsed != 12 {
		t.Fatalf("tick msg: %+v", tick)
	}

	var quar observerproto.QuarantineMsg
	if err := conn.ReadJSON(&quar); err != nil {
		t.Fatalf("read quarantine: %v", err)
	}
	if quar.Type != observerproto.TypeQuarantine || quar.ModuleID != "hog" || !quar.Eligible {
		t.Fatalf("quarantine msg: %+v", quar)
	}
}

func TestObserverStream_RejectsBadHandshake(t *testing.T) {
	_, _, ts := testServer(t)
	conn := dialObserver(t, ts)

	if err := conn.WriteJSON(observerproto.SubscribeMsg{Type: "HELLO", ProtocolVersion: observerproto.Version}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("server kept a connection with a bad handshake")
	}
}

func waitSubscribed(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		n := len(srv.subs)
		srv.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscriber never registered")
}
