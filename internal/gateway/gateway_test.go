package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/membound/internal/bus"
	"github.com/stellarlinkco/membound/internal/config"
	"github.com/stellarlinkco/membound/internal/memory"
)

var testNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return config.DefaultConfig()
}

func newTestGateway(t *testing.T, cfg *config.Config, opts Options) *Gateway {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	if opts.CronStorePath == "" {
		opts.CronStorePath = filepath.Join(t.TempDir(), "sweeps.json")
	}
	g, err := NewWithOptions(cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(func() { _ = g.Shutdown() })
	return g
}

func appendStatus(t *testing.T, g *Gateway, agentID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg := memory.Message{Role: memory.RoleUser, Content: fmt.Sprintf("status update %d", i), Timestamp: testNow}
		if _, err := g.Append(context.Background(), agentID, msg); err != nil {
			t.Fatalf("Append(%s, %d) error: %v", agentID, i, err)
		}
	}
}

// recordingLongTerm records Index calls.
type recordingLongTerm struct {
	mu      sync.Mutex
	indexed map[string]int
}

func (r *recordingLongTerm) Index(_ context.Context, sessionID, _ string, msgs []memory.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexed == nil {
		r.indexed = make(map[string]int)
	}
	r.indexed[sessionID] += len(msgs)
	return nil
}

func (r *recordingLongTerm) Search(context.Context, string, int) ([]memory.Recollection, error) {
	return []memory.Recollection{{SessionID: "a", Content: "hit"}}, nil
}

func TestNewDefaults(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})

	if _, ok := g.summarizer.(*memory.HeuristicSummarizer); !ok {
		t.Errorf("default summarizer = %T, want *memory.HeuristicSummarizer", g.summarizer)
	}
	if g.Store() != nil {
		t.Error("long-term store should be off by default")
	}
	if _, err := g.Recall(context.Background(), "anything", 3); !errors.Is(err, ErrNoLongTerm) {
		t.Errorf("Recall err = %v, want ErrNoLongTerm", err)
	}
	if len(g.Agents()) != 0 {
		t.Errorf("agents = %v", g.Agents())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.MaxMessages = 0
	if _, err := NewWithOptions(cfg, Options{}); !errors.Is(err, memory.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestAppendCreatesIsolatedAgents(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})

	appendStatus(t, g, "beta", 3)
	appendStatus(t, g, "alpha", 15)

	if got := g.Agents(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("agents = %v", got)
	}

	rep, err := g.CheckAndConsolidate(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("CheckAndConsolidate error: %v", err)
	}
	if rep.Status != memory.StatusOK || rep.FinalCount != 11 {
		t.Fatalf("report = %+v", rep)
	}
	if n := len(g.Messages("alpha")); n != 11 {
		t.Errorf("alpha size = %d, want 11", n)
	}
	if n := len(g.Messages("beta")); n != 3 {
		t.Errorf("beta size = %d, want 3", n)
	}
	if g.Messages("unknown") != nil {
		t.Error("unknown agent should have no messages")
	}

	st, ok := g.Stats("alpha")
	if !ok || st.Passes == 0 || st.Size != 11 {
		t.Errorf("stats = %+v ok=%v", st, ok)
	}
	if _, ok := g.Stats("unknown"); ok {
		t.Error("Stats should report unknown agents")
	}
}

func TestAppendRequiresAgentID(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	msg := memory.NewMessage(memory.RoleUser, "hello")
	if _, err := g.Append(context.Background(), "  ", msg); err == nil {
		t.Fatal("expected error for blank agent id")
	}
	if _, err := g.Consolidate(context.Background(), ""); err == nil {
		t.Fatal("expected error for blank agent id")
	}
}

func TestConsolidateForwardsToLongTerm(t *testing.T) {
	lt := &recordingLongTerm{}
	g := newTestGateway(t, testConfig(t), Options{LongTerm: lt})

	appendStatus(t, g, "a", 14)
	rep, err := g.Consolidate(context.Background(), "a")
	if err != nil {
		t.Fatalf("Consolidate error: %v", err)
	}
	if rep.ConsolidatedCount != 4 {
		t.Fatalf("report = %+v", rep)
	}
	if lt.indexed["a"] != 4 {
		t.Errorf("indexed = %v, want 4 messages for a", lt.indexed)
	}

	hits, err := g.Recall(context.Background(), "hit", 0)
	if err != nil || len(hits) != 1 {
		t.Errorf("Recall = %+v, %v", hits, err)
	}
}

func TestSweep(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})

	appendStatus(t, g, "busy", 15)
	appendStatus(t, g, "quiet", 3)

	res, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if len(res.Reports) != 2 {
		t.Fatalf("reports = %+v", res.Reports)
	}
	if res.Reports["busy"].Status != memory.StatusOK {
		t.Errorf("busy = %+v", res.Reports["busy"])
	}
	quiet := res.Reports["quiet"]
	if quiet.Status != memory.StatusSkipped || quiet.Reason != memory.ReasonBelowThreshold {
		t.Errorf("quiet = %+v", quiet)
	}
	if res.Consolidated() != 1 {
		t.Errorf("consolidated = %d", res.Consolidated())
	}
	if got := res.String(); got != "swept 2 agents, consolidated 1, backfilled 0" {
		t.Errorf("String() = %q", got)
	}
}

func TestSweepCollectsAgentFailures(t *testing.T) {
	failing := memory.SummarizerFunc(func(context.Context, []memory.Message) (memory.Message, error) {
		return memory.Message{}, errors.New("model offline")
	})
	g := newTestGateway(t, testConfig(t), Options{Summarizer: failing, SweepLimit: 1})

	appendStatus(t, g, "a", 15)
	appendStatus(t, g, "b", 2)

	res, err := g.Sweep(context.Background())
	if err == nil || !strings.Contains(err.Error(), "agent a") {
		t.Fatalf("err = %v", err)
	}
	if _, ok := res.Reports["a"]; ok {
		t.Error("failed agent should have no report")
	}
	if res.Reports["b"].Status != memory.StatusSkipped {
		t.Errorf("b = %+v", res.Reports["b"])
	}
	if n := len(g.Messages("a")); n != 15 {
		t.Errorf("failed sweep changed buffer: size %d", n)
	}
}

func TestSweepWithRecallStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.LongTerm.Enabled = true
	cfg.LongTerm.DBPath = filepath.Join(t.TempDir(), "recall.db")
	g := newTestGateway(t, cfg, Options{})

	if g.Store() == nil {
		t.Fatal("expected recall store to be opened")
	}
	appendStatus(t, g, "a", 13)

	if _, err := g.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	st, err := g.Store().Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.Recollections != 3 || st.Sessions != 1 {
		t.Errorf("store stats = %+v", st)
	}

	hits, err := g.Recall(context.Background(), "status", 10)
	if err != nil {
		t.Fatalf("Recall error: %v", err)
	}
	if len(hits) != 3 || hits[0].SessionID != "a" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestNewSummarizerKinds(t *testing.T) {
	cfg := testConfig(t)

	cfg.Summarizer.Kind = config.SummarizerModel
	s, err := NewSummarizer(cfg)
	if err != nil {
		t.Fatalf("NewSummarizer(model) error: %v", err)
	}
	ms, ok := s.(*memory.ModelSummarizer)
	if !ok || ms.Fallback == nil {
		t.Fatalf("model summarizer = %T %+v", s, s)
	}

	cfg.Summarizer.Kind = "oracle"
	if _, err := NewSummarizer(cfg); !errors.Is(err, memory.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNewProviderType(t *testing.T) {
	cfg := testConfig(t)
	if _, ok := newProvider(cfg).(*model.AnthropicProvider); !ok {
		t.Error("default provider should be anthropic")
	}
	cfg.Summarizer.Provider.Type = "OpenAI"
	p, ok := newProvider(cfg).(*model.OpenAIProvider)
	if !ok {
		t.Fatal("expected openai provider")
	}
	if p.ModelName != cfg.Summarizer.Model {
		t.Errorf("model = %q", p.ModelName)
	}
}

func TestProviderCompleterError(t *testing.T) {
	c := &providerCompleter{
		provider: model.ProviderFunc(func(context.Context) (model.Model, error) {
			return nil, errors.New("no key")
		}),
		timeout: time.Second,
	}
	_, err := c.Complete(context.Background(), model.Request{})
	if err == nil || !strings.Contains(err.Error(), "resolve summarizer model") {
		t.Fatalf("err = %v", err)
	}
}

func TestChatSummarizerEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "summary-test" {
			t.Errorf("model = %v", body["model"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "Four routine status updates."}}},
		})
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Summarizer.Kind = config.SummarizerChat
	cfg.Summarizer.Model = "summary-test"
	cfg.Summarizer.Provider = config.ProviderConfig{APIKey: "k", BaseURL: srv.URL}
	g := newTestGateway(t, cfg, Options{})

	appendStatus(t, g, "a", 14)
	if _, err := g.Consolidate(context.Background(), "a"); err != nil {
		t.Fatalf("Consolidate error: %v", err)
	}
	msgs := g.Messages("a")
	if !msgs[0].IsSummary() || !strings.Contains(msgs[0].Content, "Four routine status updates.") {
		t.Fatalf("first message = %+v", msgs[0])
	}
}

func TestGateway_StartSchedulesSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweep.Enabled = true
	cfg.Sweep.Schedule = "@every 1h"
	g := newTestGateway(t, cfg, Options{})

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	jobs := g.Cron().ListJobs()
	if len(jobs) != 1 || jobs[0].Name != SweepJobName || jobs[0].Schedule != "@every 1h" {
		t.Fatalf("jobs = %+v", jobs)
	}

	appendStatus(t, g, "a", 15)
	result, err := g.Cron().RunNow(context.Background(), jobs[0].ID)
	if err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	if result != "swept 1 agents, consolidated 1, backfilled 0" {
		t.Errorf("result = %q", result)
	}
}

func TestGateway_StartWithoutSweep(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if len(g.Cron().ListJobs()) != 0 {
		t.Error("no sweep job expected when sweeps are disabled")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g := newTestGateway(t, testConfig(t), Options{SignalChan: sigCh})

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not exit after signal")
	}
}

func TestGateway_Run_ContextCancelled(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{SignalChan: make(chan os.Signal, 1)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not exit after cancel")
	}
}

func TestGateway_RunAppendsInboundMessages(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g := newTestGateway(t, testConfig(t), Options{SignalChan: sigCh})

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	ctx := context.Background()
	if err := g.Bus().Publish(ctx, bus.InboundMessage{Channel: "telegram", ChatID: "42", Role: "narrator", Content: "dropped"}); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	for i := 0; i < 3; i++ {
		msg := bus.InboundMessage{Channel: "telegram", ChatID: "42", SenderID: "u1", Content: fmt.Sprintf("status update %d", i)}
		if err := g.Bus().Publish(ctx, msg); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(g.Messages("telegram:42")) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := g.Messages("telegram:42")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Role != memory.RoleUser || m.Content != fmt.Sprintf("status update %d", i) {
			t.Errorf("msgs[%d] = %+v", i, m)
		}
		if m.Metadata.Source != "telegram" || m.Metadata.Extra["sender"] != "u1" || !m.Timestamp.Equal(testNow) {
			t.Errorf("msgs[%d] metadata = %+v ts=%v", i, m.Metadata, m.Timestamp)
		}
	}

	sigCh <- os.Interrupt
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after signal")
	}
	if err := g.Bus().Publish(ctx, bus.InboundMessage{ChatID: "late"}); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Publish after shutdown = %v, want ErrClosed", err)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"status", 10, "status"},
		{"部署失败了需要回滚", 4, "部署失败..."},
		{"naïve caché", 3, "naï..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}
}
