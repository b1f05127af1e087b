// Package indexdb is the operator read-model: a secondary sqlite index of
// faults, quarantine records and registry digests. It never feeds back into
// the simulation; the JSONL logs remain the source of truth if it falls
// behind.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/IamTheCarl/grid-engine/internal/engine"
	"github.com/IamTheCarl/grid-engine/internal/registry"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqFault
	reqQuarantine
	reqReinstate
	reqFlush
)

type req struct {
	kind reqKind

	tick       engine.TickLogEntry
	fault      engine.FaultLogEntry
	quarantine engine.QuarantineRecord
	moduleID   string
	done       chan struct{}
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: a fault storm from a misbehaving mod must not stall
		// the sim thread.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			modules_run INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			fuel_used INTEGER NOT NULL,
			duration_us INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS faults (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			module_id TEXT NOT NULL,
			hook TEXT NOT NULL,
			code TEXT NOT NULL,
			severity TEXT NOT NULL,
			fuel_used INTEGER NOT NULL,
			detail TEXT,
			quarantined INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_faults_module_tick ON faults(module_id, tick);`,
		`CREATE TABLE IF NOT EXISTS quarantine (
			module_id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			fault_code TEXT NOT NULL,
			severity TEXT NOT NULL,
			eligible INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			reinstated_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS registry_digests (
			category TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			count INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteTick queues a tick row. Drops when the indexer falls behind.
func (s *SQLiteIndex) WriteTick(entry engine.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
	}
	return nil
}

func (s *SQLiteIndex) WriteFault(entry engine.FaultLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqFault, fault: entry}:
	default:
	}
	return nil
}

// RecordQuarantine is queued like the log writes: the engine's in-memory
// records are authoritative during a session, the index is for operators.
func (s *SQLiteIndex) RecordQuarantine(rec engine.QuarantineRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqQuarantine, quarantine: rec}:
	default:
	}
	return nil
}

func (s *SQLiteIndex) MarkReinstated(moduleID string) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqReinstate, moduleID: moduleID}:
	default:
	}
	return nil
}

// Flush blocks until every write queued before the call has been applied.
// Tests and shutdown paths only; the tick path never waits on the index.
func (s *SQLiteIndex) Flush() {
	if s == nil || s.closed.Load() {
		return
	}
	done := make(chan struct{})
	s.ch <- req{kind: reqFlush, done: done}
	<-done
}

// UpsertRegistryDigests stores the verification checksums once the registry
// is sealed. Synchronous: it runs once at startup, not on the tick path.
func (s *SQLiteIndex) UpsertRegistryDigests(reg *registry.Registry) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `INSERT INTO registry_digests(category, digest, count, updated_at)
		VALUES(?,?,?,?)
		ON CONFLICT(category) DO UPDATE SET digest=excluded.digest, count=excluded.count, updated_at=excluded.updated_at;`
	for _, cat := range []registry.Category{
		registry.CategoryBlock, registry.CategoryEntity, registry.CategoryItem, registry.CategoryRecipe,
	} {
		if _, err := tx.Exec(upsert, cat.String(), reg.Digest(cat), reg.Count(cat), now); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(upsert, "combined", reg.CombinedDigest(), 0, now); err != nil {
		return err
	}
	return tx.Commit()
}

// RegistryDigest reads one stored verification checksum back.
func (s *SQLiteIndex) RegistryDigest(category string) (digest string, count int, err error) {
	err = s.db.QueryRow(
		`SELECT digest, count FROM registry_digests WHERE category=?`, category,
	).Scan(&digest, &count)
	return digest, count, err
}

// QuarantineRow is one persisted quarantine record as operators query it.
type QuarantineRow struct {
	ModuleID     string
	RecordID     string
	Tick         uint64
	FaultCode    string
	Severity     string
	Eligible     bool
	CreatedAt    string
	ReinstatedAt string
}

// ListQuarantine returns all records, active first, then by module id.
func (s *SQLiteIndex) ListQuarantine() ([]QuarantineRow, error) {
	rows, err := s.db.Query(`SELECT module_id, record_id, tick, fault_code, severity, eligible, created_at,
		COALESCE(reinstated_at, '') FROM quarantine ORDER BY reinstated_at IS NOT NULL, module_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuarantineRow
	for rows.Next() {
		var r QuarantineRow
		var eligible int
		if err := rows.Scan(&r.ModuleID, &r.RecordID, &r.Tick, &r.FaultCode, &r.Severity, &eligible, &r.CreatedAt, &r.ReinstatedAt); err != nil {
			return nil, err
		}
		r.Eligible = eligible != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		var err error
		switch r.kind {
		case reqTick:
			_, err = s.db.Exec(
				`INSERT OR REPLACE INTO ticks(tick, modules_run, skipped, fuel_used, duration_us) VALUES(?,?,?,?,?)`,
				r.tick.Tick, r.tick.ModulesRun, len(r.tick.Skipped), r.tick.FuelUsed, r.tick.DurationUs,
			)
		case reqFault:
			_, err = s.db.Exec(
				`INSERT INTO faults(tick, module_id, hook, code, severity, fuel_used, detail, quarantined)
				VALUES(?,?,?,?,?,?,?,?)`,
				r.fault.Tick, r.fault.ModuleID, r.fault.Hook, r.fault.Code, string(r.fault.Severity),
				r.fault.FuelUsed, r.fault.Detail, boolInt(r.fault.Quarantined),
			)
		case reqQuarantine:
			_, err = s.db.Exec(
				`INSERT OR REPLACE INTO quarantine(module_id, record_id, tick, fault_code, severity, eligible, created_at, reinstated_at)
				VALUES(?,?,?,?,?,?,?,NULL)`,
				r.quarantine.ModuleID, r.quarantine.RecordID, r.quarantine.Tick, r.quarantine.FaultCode,
				string(r.quarantine.Severity), boolInt(r.quarantine.Eligible),
				r.quarantine.CreatedAt.UTC().Format(time.RFC3339Nano),
			)
		case reqReinstate:
			_, err = s.db.Exec(
				`UPDATE quarantine SET reinstated_at=? WHERE module_id=?`,
				time.Now().UTC().Format(time.RFC3339Nano), r.moduleID,
			)
		case reqFlush:
			close(r.done)
		}
		_ = err // best-effort: the index must never stall or kill the sim
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
