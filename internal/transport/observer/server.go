// Package observer serves the loopback operator stream: engine bootstrap
// over HTTP and a websocket feed of tick stats and quarantine events.
package observer

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/IamTheCarl/grid-engine/internal/engine"
	"github.com/IamTheCarl/grid-engine/internal/observerproto"
	"github.com/IamTheCarl/grid-engine/internal/registry"
	"github.com/IamTheCarl/grid-engine/internal/tuning"
)

type Server struct {
	eng  *engine.Engine
	id   string
	tune tuning.Tuning
	log  *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[uint64]chan []byte
}

func NewServer(eng *engine.Engine, engineID string, tune tuning.Tuning, logger *log.Logger) *Server {
	return &Server{
		eng:  eng,
		id:   engineID,
		tune: tune,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		subs: map[uint64]chan []byte{},
	}
}

// NotifyTick implements engine.Notifier.
func (s *Server) NotifyTick(entry engine.TickLogEntry) {
	s.broadcast(observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            entry.Tick,
		ModulesRun:      entry.ModulesRun,
		Skipped:         entry.Skipped,
		FuelUsed:        entry.FuelUsed,
	})
}

// NotifyQuarantine implements engine.Notifier.
func (s *Server) NotifyQuarantine(rec engine.QuarantineRecord) {
	s.broadcast(observerproto.QuarantineMsg{
		Type:            observerproto.TypeQuarantine,
		ProtocolVersion: observerproto.Version,
		Tick:            rec.Tick,
		ModuleID:        rec.ModuleID,
		FaultCode:       rec.FaultCode,
		Severity:        string(rec.Severity),
		Eligible:        rec.Eligible,
	})
}

func (s *Server) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		sendLatest(ch, b)
	}
}

// sendLatest drops the oldest queued message rather than blocking the sim
// thread behind a slow observer.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		reg := s.eng.Registry()
		status := s.eng.Status()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			EngineID:        s.id,
			Tick:            status.Tick,
			EngineParams: observerproto.EngineParams{
				TickRateHz:      s.tune.TickRateHz,
				HookFuelBudget:  s.tune.HookFuelBudget,
				TickFuelCeiling: s.tune.TickFuelCeiling,
			},
			Registry:     registryInfo(reg),
			ModuleStates: status.ModuleStates,
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func registryInfo(reg *registry.Registry) observerproto.RegistryInfo {
	digest := func(c registry.Category) observerproto.DigestInfo {
		return observerproto.DigestInfo{Digest: reg.Digest(c), Count: reg.Count(c)}
	}
	return observerproto.RegistryInfo{
		Blocks:   digest(registry.CategoryBlock),
		Entities: digest(registry.CategoryEntity),
		Items:    digest(registry.CategoryItem),
		Recipes:  digest(registry.CategoryRecipe),
		Combined: reg.CombinedDigest(),
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := s.nextID.Add(1)
		out := make(chan []byte, 64)
		s.mu.Lock()
		s.subs[sid] = out
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for b := range out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}()

		// Reader loop: only close and ping traffic is expected.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		// Unsubscribe before closing so a concurrent broadcast never sends on
		// a closed channel.
		s.mu.Lock()
		delete(s.subs, sid)
		s.mu.Unlock()
		close(out)
		<-done
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
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
