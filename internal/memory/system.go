package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
)

// SystemOptions configures a MemorySystem.
type SystemOptions struct {
	// SessionID labels everything this system hands to the long-term store.
	// A random id is used when empty.
	SessionID string
	Config    ConsolidationConfig
	Engine    EngineOptions
	// LongTerm, when set, receives every folded block.
	LongTerm LongTermStore
}

// System is the per-agent memory facade: a WorkingMemory, the engine that
// bounds it, and an optional long-term store. Build one per agent context
// and pass it explicitly.
type System struct {
	sessionID string
	working   *WorkingMemory
	engine    *Engine
	longTerm  LongTermStore
}

func NewSystem(opts SystemOptions) (*System, error) {
	working := NewWorkingMemory()
	engine, err := NewEngine(working, opts.Config, opts.Engine)
	if err != nil {
		return nil, fmt.Errorf("new memory system: %w", err)
	}
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &System{
		sessionID: sessionID,
		working:   working,
		engine:    engine,
		longTerm:  opts.LongTerm,
	}, nil
}

func (s *System) SessionID() string { return s.sessionID }

func (s *System) Engine() *Engine { return s.engine }

// Append stores msg; it always succeeds. When automatic consolidation is on
// and a check is due, the check runs and its report is returned. A non-nil
// error means only that the check failed; msg is stored regardless.
func (s *System) Append(ctx context.Context, msg Message) (*ConsolidationReport, error) {
	s.working.Append(msg)
	res, err := s.engine.notifyAppend(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	s.forward(ctx, *res)
	return &res.report, nil
}

// CheckAndConsolidate consolidates only when the buffer has reached the trigger size.
func (s *System) CheckAndConsolidate(ctx context.Context) (ConsolidationReport, error) {
	res, err := s.engine.checkAndConsolidate(ctx)
	if err != nil {
		return ConsolidationReport{}, err
	}
	s.forward(ctx, res)
	return res.report, nil
}

// Consolidate runs one pass now, regardless of the trigger.
func (s *System) Consolidate(ctx context.Context) (ConsolidationReport, error) {
	res, err := s.engine.consolidate(ctx)
	if err != nil {
		return ConsolidationReport{}, err
	}
	s.forward(ctx, res)
	return res.report, nil
}

// Messages returns the current detailed history, oldest first.
func (s *System) Messages() []Message {
	return s.working.All()
}

func (s *System) Size() int {
	return s.working.Size()
}

// Recall searches the long-term store. Without one it returns nothing.
func (s *System) Recall(ctx context.Context, query string, limit int) ([]Recollection, error) {
	if s.longTerm == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	results, err := s.longTerm.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	return results, nil
}

// forward hands folded messages to the long-term store. Failures are logged;
// the consolidation has already been applied.
func (s *System) forward(ctx context.Context, res fold) {
	if s.longTerm == nil || res.report.Status != StatusOK || len(res.folded) == 0 {
		return
	}
	if err := s.longTerm.Index(ctx, s.sessionID, res.report.SummaryID, cloneMessages(res.folded)); err != nil {
		log.Printf("[memory] long-term index error session=%s summary=%s: %v", s.sessionID, res.report.SummaryID, err)
	}
}
