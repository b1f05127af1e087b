package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/IamTheCarl/grid-engine/internal/faults"
	"github.com/IamTheCarl/grid-engine/internal/sandbox"
)

type adminKind int

const (
	adminReinstate adminKind = iota + 1
	adminUnload
)

type adminReq struct {
	kind     adminKind
	moduleID string
	resp     chan error
}

// Reinstate re-admits a quarantined module to scheduling. Safe to call from
// any goroutine while Run is active; callers driving StepOnce directly (the
// test harness) use ReinstateNow.
func (e *Engine) Reinstate(moduleID string) error {
	return e.submitAdmin(adminReq{kind: adminReinstate, moduleID: moduleID})
}

// Unload releases a module from any non-quarantined state.
func (e *Engine) Unload(moduleID string) error {
	return e.submitAdmin(adminReq{kind: adminUnload, moduleID: moduleID})
}

func (e *Engine) submitAdmin(req adminReq) error {
	req.resp = make(chan error, 1)
	select {
	case e.admin <- req:
	case <-e.stop:
		return fmt.Errorf("engine stopped")
	case <-e.done:
		return fmt.Errorf("engine stopped")
	}
	// Run may exit (context cancellation) with the request still queued.
	select {
	case err := <-req.resp:
		return err
	case <-e.done:
		return fmt.Errorf("engine stopped")
	}
}

func (e *Engine) handleAdmin(ctx context.Context, req adminReq) error {
	switch req.kind {
	case adminReinstate:
		return e.ReinstateNow(req.moduleID)
	case adminUnload:
		return e.UnloadNow(ctx, req.moduleID)
	}
	return fmt.Errorf("unknown admin request %d", req.kind)
}

// ReinstateNow applies a reinstatement on the simulation thread. The module
// returns to Active and its fault streak starts clean.
func (e *Engine) ReinstateNow(moduleID string) error {
	s := e.slotFor(moduleID)
	if s == nil {
		return &faults.QuarantineError{Code: faults.CodeNotQuarantined, ModuleID: moduleID}
	}
	if err := e.quar.reinstate(moduleID); err != nil {
		return err
	}
	s.inst.SetState(sandbox.StateActive)
	if e.cfg.Store != nil {
		if err := e.cfg.Store.MarkReinstated(moduleID); err != nil {
			e.logger.Printf("quarantine store: %v", err)
		}
	}
	e.refreshStatus(e.status.LastTickFuel)
	e.logger.Printf("module %s reinstated", moduleID)
	return nil
}

// UnloadNow releases instance memory on the simulation thread. Quarantined
// modules cannot be unloaded; their record is the operator's handle on them.
func (e *Engine) UnloadNow(ctx context.Context, moduleID string) error {
	s := e.slotFor(moduleID)
	if s == nil {
		return fmt.Errorf("module %q not loaded", moduleID)
	}
	switch s.inst.State() {
	case sandbox.StateQuarantined:
		return &faults.QuarantineError{Code: faults.CodeAlreadyQuarantined, ModuleID: moduleID}
	case sandbox.StateUnloaded:
		return nil
	}
	s.inst.SetState(sandbox.StateUnloaded)
	if err := s.inst.Close(ctx); err != nil {
		e.logger.Printf("unload %s: %v", moduleID, err)
	}
	e.refreshStatus(e.status.LastTickFuel)
	e.logger.Printf("module %s unloaded", moduleID)
	return nil
}

// QuarantineRecords lists current records sorted by module id.
func (e *Engine) QuarantineRecords() []QuarantineRecord {
	out := make([]QuarantineRecord, 0, len(e.quar.records))
	for _, rec := range e.quar.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

func (e *Engine) slotFor(moduleID string) *slot {
	for _, s := range e.slots {
		if s.inst.ModuleID() == moduleID {
			return s
		}
	}
	return nil
}
