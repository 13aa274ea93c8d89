package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/membound/internal/bus"
	"github.com/stellarlinkco/membound/internal/config"
	"github.com/stellarlinkco/membound/internal/cron"
	"github.com/stellarlinkco/membound/internal/memory"
	"github.com/stellarlinkco/membound/internal/recall"
)

const (
	SweepJobName       = "consolidation-sweep"
	defaultSweepLimit  = 8
	defaultRecallLimit = 5
)

// ErrNoLongTerm is returned by Recall when no long-term store is configured.
var ErrNoLongTerm = errors.New("long-term store is not enabled")

// Options for creating a Gateway. Zero fields are built from config.
type Options struct {
	Summarizer    memory.Summarizer
	LongTerm      memory.LongTermStore
	Tracer        trace.Tracer
	Now           func() time.Time
	CronStorePath string
	SweepLimit    int
	BusSize       int
	SignalChan    chan os.Signal // for testing signal handling
}

// Gateway owns one memory.System per agent. Every call for an agent is
// serialized on that agent's lock, so each System keeps a single owner.
type Gateway struct {
	cfg           *config.Config
	consolidation memory.ConsolidationConfig
	scorer        *memory.ImportanceScorer
	summarizer    memory.Summarizer
	longTerm      memory.LongTermStore
	store         *recall.Store
	ownsStore     bool
	tracer        trace.Tracer
	now           func() time.Time
	cron          *cron.Service
	bus           *bus.MessageBus
	sweepLimit    int
	signalChan    chan os.Signal

	mu     sync.Mutex
	agents map[string]*agentMemory
}

type agentMemory struct {
	mu  sync.Mutex
	sys *memory.System
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scoring, err := cfg.ScoringConfig()
	if err != nil {
		return nil, err
	}
	scorer, err := memory.NewImportanceScorer(scoring)
	if err != nil {
		return nil, fmt.Errorf("create scorer: %w", err)
	}

	g := &Gateway{
		cfg:           cfg,
		consolidation: cfg.ConsolidationConfig(),
		scorer:        scorer,
		summarizer:    opts.Summarizer,
		longTerm:      opts.LongTerm,
		tracer:        opts.Tracer,
		now:           opts.Now,
		bus:           bus.NewMessageBus(opts.BusSize),
		sweepLimit:    opts.SweepLimit,
		signalChan:    opts.SignalChan,
		agents:        make(map[string]*agentMemory),
	}
	if g.sweepLimit <= 0 {
		g.sweepLimit = defaultSweepLimit
	}
	if g.now == nil {
		g.now = time.Now
	}

	if g.summarizer == nil {
		g.summarizer, err = NewSummarizer(cfg)
		if err != nil {
			return nil, err
		}
	}

	if g.longTerm == nil && cfg.LongTerm.Enabled {
		store, err := OpenStore(cfg)
		if err != nil {
			return nil, err
		}
		g.store = store
		g.ownsStore = true
		g.longTerm = store
	} else if store, ok := g.longTerm.(*recall.Store); ok {
		g.store = store
	}

	cronStorePath := strings.TrimSpace(opts.CronStorePath)
	if cronStorePath == "" {
		cronStorePath = filepath.Join(config.ConfigDir(), "data", "cron", "sweeps.json")
	}
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnSweep = func(ctx context.Context, job cron.Job) (string, error) {
		res, err := g.Sweep(ctx)
		return res.String(), err
	}

	return g, nil
}

// NewSummarizer builds the summarizer selected by cfg.Summarizer.Kind.
// Model-backed summarizers fall back to the heuristic digest on failure.
func NewSummarizer(cfg *config.Config) (memory.Summarizer, error) {
	sc := cfg.Summarizer
	heuristic := memory.NewHeuristicSummarizer(sc.ExcerptChars, sc.MaxExcerpts)

	switch strings.ToLower(strings.TrimSpace(sc.Kind)) {
	case "", config.SummarizerHeuristic:
		return heuristic, nil
	case config.SummarizerModel:
		s := memory.NewModelSummarizer(&providerCompleter{
			provider: newProvider(cfg),
			timeout:  cfg.SummarizerTimeout(),
		}, sc.Model, sc.MaxTokens)
		s.Fallback = heuristic
		return s, nil
	case config.SummarizerChat:
		completer := memory.NewChatCompleter(memory.ChatConfig{
			APIKey:          sc.Provider.APIKey,
			BaseURL:         sc.Provider.BaseURL,
			Model:           sc.Model,
			MaxTokens:       sc.MaxTokens,
			ReasoningEffort: sc.ReasoningEffort,
			Timeout:         cfg.SummarizerTimeout(),
		})
		s := memory.NewModelSummarizer(completer, sc.Model, sc.MaxTokens)
		s.Fallback = heuristic
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown summarizer kind %q", memory.ErrInvalidConfig, sc.Kind)
	}
}

func newProvider(cfg *config.Config) model.Provider {
	sc := cfg.Summarizer
	switch strings.ToLower(strings.TrimSpace(sc.Provider.Type)) {
	case config.ProviderOpenAI:
		return &model.OpenAIProvider{
			APIKey:    sc.Provider.APIKey,
			BaseURL:   sc.Provider.BaseURL,
			ModelName: sc.Model,
			MaxTokens: sc.MaxTokens,
		}
	default: // "anthropic" or empty
		return &model.AnthropicProvider{
			APIKey:    sc.Provider.APIKey,
			BaseURL:   sc.Provider.BaseURL,
			ModelName: sc.Model,
			MaxTokens: sc.MaxTokens,
		}
	}
}

// providerCompleter resolves the model lazily so a missing key surfaces as
// a summarize failure rather than a startup error.
type providerCompleter struct {
	provider model.Provider
	timeout  time.Duration
}

func (p *providerCompleter) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	mdl, err := p.provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve summarizer model: %w", err)
	}
	return mdl.Complete(ctx, req)
}

// OpenStore opens the long-term recall store described by cfg.LongTerm.
func OpenStore(cfg *config.Config) (*recall.Store, error) {
	lt := cfg.LongTerm
	dbPath := strings.TrimSpace(lt.DBPath)
	if dbPath == "" {
		dbPath = config.DefaultDBPath()
	}

	opts := recall.Options{EmbedTimeout: cfg.EmbedTimeout()}
	if embeddingModel := strings.TrimSpace(lt.Embedding.Model); embeddingModel != "" {
		opts.Embedder = recall.NewEmbedder(recall.EmbedderConfig{
			Provider:  lt.Embedding.Provider,
			BaseURL:   lt.Embedding.BaseURL,
			APIKey:    lt.Embedding.APIKey,
			Model:     embeddingModel,
			Dimension: lt.Embedding.Dimension,
			Timeout:   cfg.EmbedTimeout(),
			BatchSize: lt.Embedding.BatchSize,
		})
		opts.EmbeddingModel = embeddingModel
	}

	store, err := recall.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open recall store: %w", err)
	}
	return store, nil
}

func (g *Gateway) agent(agentID string) (*agentMemory, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.agents[agentID]; ok {
		return a, nil
	}

	sys, err := memory.NewSystem(memory.SystemOptions{
		SessionID: agentID,
		Config:    g.consolidation,
		Engine: memory.EngineOptions{
			Scorer:     g.scorer,
			Summarizer: g.summarizer,
			Tracer:     g.tracer,
			Now:        g.now,
		},
		LongTerm: g.longTerm,
	})
	if err != nil {
		return nil, fmt.Errorf("create memory for agent %s: %w", agentID, err)
	}
	a := &agentMemory{sys: sys}
	g.agents[agentID] = a
	log.Printf("[gateway] created memory for agent %s", agentID)
	return a, nil
}

func (g *Gateway) lookup(agentID string) (*agentMemory, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[strings.TrimSpace(agentID)]
	return a, ok
}

// Append stores msg in the agent's working memory, creating it on first use.
func (g *Gateway) Append(ctx context.Context, agentID string, msg memory.Message) (*memory.ConsolidationReport, error) {
	a, err := g.agent(agentID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sys.Append(ctx, msg)
}

func (g *Gateway) CheckAndConsolidate(ctx context.Context, agentID string) (memory.ConsolidationReport, error) {
	a, err := g.agent(agentID)
	if err != nil {
		return memory.ConsolidationReport{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sys.CheckAndConsolidate(ctx)
}

func (g *Gateway) Consolidate(ctx context.Context, agentID string) (memory.ConsolidationReport, error) {
	a, err := g.agent(agentID)
	if err != nil {
		return memory.ConsolidationReport{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sys.Consolidate(ctx)
}

// Messages returns a snapshot of the agent's working memory, or nil for an unknown agent.
func (g *Gateway) Messages(agentID string) []memory.Message {
	a, ok := g.lookup(agentID)
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sys.Messages()
}

func (g *Gateway) Stats(agentID string) (memory.Stats, bool) {
	a, ok := g.lookup(agentID)
	if !ok {
		return memory.Stats{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sys.Engine().Stats(), true
}

// Agents lists known agent ids in sorted order.
func (g *Gateway) Agents() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.agents))
	for id := range g.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Recall searches the long-term store across all agents.
func (g *Gateway) Recall(ctx context.Context, query string, limit int) ([]memory.Recollection, error) {
	if g.longTerm == nil {
		return nil, ErrNoLongTerm
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	return g.longTerm.Search(ctx, query, limit)
}

// Store returns the recall store in use, or nil when long-term memory is
// off or backed by something else.
func (g *Gateway) Store() *recall.Store { return g.store }

func (g *Gateway) Scorer() *memory.ImportanceScorer { return g.scorer }

func (g *Gateway) Cron() *cron.Service { return g.cron }

// Bus accepts messages from producers running in the same process. They are
// appended in arrival order while Run is active.
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

// SweepResult collects one sweep over every agent.
type SweepResult struct {
	Reports    map[string]memory.ConsolidationReport
	Backfilled int
}

func (r SweepResult) Consolidated() int {
	n := 0
	for _, rep := range r.Reports {
		if rep.Status == memory.StatusOK {
			n++
		}
	}
	return n
}

func (r SweepResult) String() string {
	return fmt.Sprintf("swept %d agents, consolidated %d, backfilled %d", len(r.Reports), r.Consolidated(), r.Backfilled)
}

// Sweep runs CheckAndConsolidate for every agent concurrently and backfills
// missing embeddings in the recall store. One agent failing does not stop
// the others; all failures are returned joined.
func (g *Gateway) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Reports: make(map[string]memory.ConsolidationReport)}

	var (
		mu   sync.Mutex
		errs []error
	)
	eg := new(errgroup.Group)
	eg.SetLimit(g.sweepLimit)

	for _, id := range g.Agents() {
		a, ok := g.lookup(id)
		if !ok {
			continue
		}
		eg.Go(func() error {
			a.mu.Lock()
			report, err := a.sys.CheckAndConsolidate(ctx)
			a.mu.Unlock()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("agent %s: %w", id, err))
				return nil
			}
			res.Reports[id] = report
			return nil
		})
	}

	if g.store != nil {
		eg.Go(func() error {
			n, err := g.store.Backfill(ctx, g.cfg.LongTerm.Embedding.BatchSize)
			mu.Lock()
			defer mu.Unlock()
			res.Backfilled = n
			if err != nil {
				errs = append(errs, fmt.Errorf("backfill embeddings: %w", err))
			}
			return nil
		})
	}

	_ = eg.Wait()
	log.Printf("[gateway] %s", res)
	return res, errors.Join(errs...)
}

// Start starts scheduled sweeps when cfg.Sweep is enabled.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.cfg.Sweep.Enabled {
		return nil
	}
	if err := g.cron.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	if _, err := g.cron.EnsureJob(SweepJobName, g.cfg.Sweep.Schedule); err != nil {
		g.cron.Stop()
		return fmt.Errorf("ensure sweep job: %w", err)
	}
	log.Printf("[gateway] sweeps scheduled: %s", g.cfg.Sweep.Schedule)
	return nil
}

// Run starts sweeps and blocks until a signal arrives or ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		return err
	}
	go g.processLoop(ctx)
	log.Printf("[gateway] running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, in bus.InboundMessage) {
	agentID := in.AgentKey()
	log.Printf("[gateway] inbound for %s: %s", agentID, truncate(in.Content, 80))

	msg, err := in.ToMemory(g.now())
	if err != nil {
		log.Printf("[gateway] drop inbound for %s: %v", agentID, err)
		return
	}
	rep, err := g.Append(ctx, agentID, msg)
	if err != nil {
		log.Printf("[gateway] consolidation for %s failed: %v", agentID, err)
		return
	}
	if rep != nil {
		log.Printf("[gateway] consolidation for %s: %s", agentID, rep)
	}
}

func (g *Gateway) Shutdown() error {
	g.bus.Close()
	g.cron.Stop()
	if g.ownsStore {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close recall store warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
