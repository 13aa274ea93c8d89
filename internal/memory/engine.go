package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/stellarlinkco/membound/internal/memory"

// EngineOptions supplies the engine's collaborators. Zero fields get defaults.
type EngineOptions struct {
	Scorer     *ImportanceScorer
	Summarizer Summarizer
	Tracer     trace.Tracer
	Now        func() time.Time
	NewID      func() string
}

// Engine decides when the buffer needs compaction and performs it. It
// assumes a single owner: nothing else may append to the buffer while a
// pass is running.
type Engine struct {
	buf        Buffer
	cfg        ConsolidationConfig
	scorer     *ImportanceScorer
	summarizer Summarizer
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string

	mu           sync.Mutex
	sinceCheck   int
	passes       int
	lastReport   *ConsolidationReport
	lastPassTime time.Time
}

// fold is everything a successful pass produced beyond its report.
type fold struct {
	report  ConsolidationReport
	summary *Message
	folded  []Message
}

func NewEngine(buf Buffer, cfg ConsolidationConfig, opts EngineOptions) (*Engine, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		buf:        buf,
		cfg:        cfg,
		scorer:     opts.Scorer,
		summarizer: opts.Summarizer,
		tracer:     opts.Tracer,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if e.scorer == nil {
		scorer, err := NewImportanceScorer(DefaultScoringConfig())
		if err != nil {
			return nil, err
		}
		e.scorer = scorer
	}
	if e.summarizer == nil {
		e.summarizer = NewHeuristicSummarizer(0, 0)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

func (e *Engine) Config() ConsolidationConfig {
	return e.cfg
}

func (e *Engine) Scorer() *ImportanceScorer {
	return e.scorer
}

// ShouldConsolidate reports whether the buffer has reached the trigger size.
func (e *Engine) ShouldConsolidate() bool {
	return e.buf.Size() >= e.cfg.MaxMessages
}

// NotifyAppend records one append. In automatic mode every CheckInterval-th
// call runs CheckAndConsolidate and returns its report; otherwise it
// returns nil.
func (e *Engine) NotifyAppend(ctx context.Context) (*ConsolidationReport, error) {
	res, err := e.notifyAppend(ctx)
	if res == nil {
		return nil, err
	}
	return &res.report, err
}

func (e *Engine) notifyAppend(ctx context.Context) (*fold, error) {
	if !e.cfg.AutoConsolidate {
		return nil, nil
	}
	e.mu.Lock()
	e.sinceCheck++
	due := e.sinceCheck >= e.cfg.CheckInterval
	if due {
		e.sinceCheck = 0
	}
	e.mu.Unlock()
	if !due {
		return nil, nil
	}
	res, err := e.checkAndConsolidate(ctx)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CheckAndConsolidate consolidates only when ShouldConsolidate holds. A
// below-threshold check is not a pass and leaves Stats untouched.
func (e *Engine) CheckAndConsolidate(ctx context.Context) (ConsolidationReport, error) {
	res, err := e.checkAndConsolidate(ctx)
	return res.report, err
}

func (e *Engine) checkAndConsolidate(ctx context.Context) (fold, error) {
	if !e.ShouldConsolidate() {
		return fold{report: skippedReport(ReasonBelowThreshold, e.buf.Size())}, nil
	}
	return e.consolidate(ctx)
}

// Consolidate runs one pass regardless of the trigger. Having nothing to fold
// is reported as StatusSkipped, not as an error. On error the buffer is
// exactly as it was before the call.
func (e *Engine) Consolidate(ctx context.Context) (ConsolidationReport, error) {
	res, err := e.consolidate(ctx)
	return res.report, err
}

func (e *Engine) consolidate(ctx context.Context) (fold, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "memory.consolidate")
	defer span.End()

	res, err := e.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("[memory] consolidation failed: %v", err)
		return fold{}, err
	}

	r := res.report
	span.SetAttributes(
		attribute.String("memory.status", string(r.Status)),
		attribute.Int("memory.original_count", r.OriginalCount),
		attribute.Int("memory.consolidated_count", r.ConsolidatedCount),
		attribute.Int("memory.preserved_count", r.PreservedCount),
		attribute.Int("memory.recent_count", r.RecentCount),
		attribute.Int("memory.final_count", r.FinalCount),
	)
	if r.Status == StatusSkipped {
		span.SetAttributes(attribute.String("memory.reason", r.Reason))
	} else {
		log.Printf("[memory] consolidation %s", r)
	}

	e.passes++
	e.lastReport = &r
	e.lastPassTime = e.now()
	return res, nil
}

func (e *Engine) run(ctx context.Context) (fold, error) {
	snapshot := e.buf.All()
	n := len(snapshot)
	cut := n - e.cfg.RecentKeep
	if cut <= 0 {
		report := skippedReport(ReasonNothingEligible, n)
		report.RecentCount = n
		return fold{report: report}, nil
	}
	old, recent := snapshot[:cut], snapshot[cut:]

	now := e.now()
	preserved, compactable := e.partition(old, now)

	var summary *Message
	if len(compactable) > 0 {
		s, err := e.summarizer.Summarize(ctx, cloneMessages(compactable))
		if err != nil {
			return fold{}, fmt.Errorf("%w: %w", ErrSummarizeFailed, err)
		}
		if s.Metadata.Summary == nil {
			info := summaryInfoFor(compactable)
			s.Metadata.Summary = &info
		}
		s.Metadata.Summary.ID = e.newID()
		summary = &s
	}

	final := make([]Message, 0, len(preserved)+1+len(recent))
	final = append(final, preserved...)
	if summary != nil {
		final = append(final, *summary)
	}
	final = append(final, recent...)

	if err := e.buf.Replace(final); err != nil {
		return fold{}, fmt.Errorf("consolidate: %w", err)
	}

	report := ConsolidationReport{
		Status:            StatusOK,
		OriginalCount:     n,
		ConsolidatedCount: len(compactable),
		PreservedCount:    len(preserved),
		RecentCount:       len(recent),
		FinalCount:        len(final),
	}
	report.TokenReduction = report.OriginalCount - report.FinalCount
	if summary != nil {
		report.SummaryID = summary.Metadata.Summary.ID
	}
	return fold{report: report, summary: summary, folded: compactable}, nil
}

// partition splits old into verbatim keepers and foldable messages, both in
// original order. Every pass re-scores, but only the recency term decays, so
// a message with a content or metadata bonus can stay above the cutoff for
// good. MaxPreserved is what bounds the preserved set.
func (e *Engine) partition(old []Message, now time.Time) ([]Message, []Message) {
	scores := make([]float64, len(old))
	keep := make([]bool, len(old))
	kept := 0
	for i, m := range old {
		scores[i] = e.scorer.ScoreAt(m, now)
		if scores[i] >= e.cfg.MinImportance {
			keep[i] = true
			kept++
		}
	}

	if limit := e.cfg.MaxPreserved; limit > 0 && kept > limit {
		idx := make([]int, 0, kept)
		for i := range old {
			if keep[i] {
				idx = append(idx, i)
			}
		}
		// Highest score wins; on ties the newer message stays.
		sort.SliceStable(idx, func(a, b int) bool {
			if scores[idx[a]] == scores[idx[b]] {
				return idx[a] > idx[b]
			}
			return scores[idx[a]] > scores[idx[b]]
		})
		for _, i := range idx[limit:] {
			keep[i] = false
		}
	}

	preserved := make([]Message, 0, kept)
	compactable := make([]Message, 0, len(old)-kept)
	for i, m := range old {
		if keep[i] {
			score := scores[i]
			m.Importance = &score
			preserved = append(preserved, m)
			continue
		}
		compactable = append(compactable, m)
	}
	return preserved, compactable
}

// Stats is a snapshot of engine activity for status reporting.
type Stats struct {
	Size         int
	Passes       int
	LastReport   *ConsolidationReport
	LastPassTime time.Time
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Size: e.buf.Size(), Passes: e.passes, LastPassTime: e.lastPassTime}
	if e.lastReport != nil {
		r := *e.lastReport
		s.LastReport = &r
	}
	return s
}
