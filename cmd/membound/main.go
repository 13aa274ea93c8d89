package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/membound/internal/config"
	"github.com/stellarlinkco/membound/internal/gateway"
	"github.com/stellarlinkco/membound/internal/memory"
	"github.com/stellarlinkco/membound/internal/recall"
)

const maxLineBytes = 4 << 20

// CLIOptions injects dependencies for testing
type CLIOptions struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Now     func() time.Time
	Gateway gateway.Options
}

func (o CLIOptions) withDefaults() CLIOptions {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Gateway.Now == nil {
		o.Gateway.Now = o.Now
	}
	return o
}

type cli struct {
	opts       CLIOptions
	configPath string
}

func newRootCmd(opts CLIOptions) *cobra.Command {
	c := &cli{opts: opts.withDefaults()}

	rootCmd := &cobra.Command{
		Use:           "membound",
		Short:         "membound - bounded working memory for agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default ~/.membound/config.json)")
	rootCmd.SetOut(c.opts.Stdout)
	rootCmd.SetErr(c.opts.Stderr)

	var (
		agentID     string
		consolidate bool
		jsonOut     bool
	)
	replayCmd := &cobra.Command{
		Use:   "replay [transcript.jsonl]",
		Short: "Feed a JSONL transcript through working memory and print each consolidation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runReplay(cmd.Context(), args, agentID, consolidate, jsonOut)
		},
	}
	replayCmd.Flags().StringVarP(&agentID, "agent", "a", "cli", "Agent id to replay into")
	replayCmd.Flags().BoolVar(&consolidate, "consolidate", false, "Force a consolidation after the last message")
	replayCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the final working set as JSONL")

	var (
		top      int
		minScore float64
	)
	scoreCmd := &cobra.Command{
		Use:   "score [transcript.jsonl]",
		Short: "Print the importance score of every message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runScore(args, top, minScore)
		},
	}
	scoreCmd.Flags().IntVarP(&top, "top", "n", 0, "Only print the n highest scoring messages")
	scoreCmd.Flags().Float64Var(&minScore, "min", 0, "Only print messages scoring at least this much")

	var limit int
	recallCmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search messages folded into the long-term store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRecall(cmd.Context(), strings.Join(args, " "), limit)
		},
	}
	recallCmd.Flags().IntVarP(&limit, "limit", "l", 5, "Maximum number of hits")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show membound configuration and long-term store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(cmd.Context())
		},
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runOnboard()
		},
	}

	rootCmd.AddCommand(replayCmd, scoreCmd, recallCmd, statusCmd, onboardCmd)
	return rootCmd
}

func main() {
	cmd := newRootCmd(CLIOptions{})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath == "" {
		cfg, err = config.LoadConfig()
	} else {
		cfg, err = config.LoadConfigFile(c.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *cli) runReplay(ctx context.Context, args []string, agentID string, consolidate, jsonOut bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	msgs, err := c.readTranscript(args)
	if err != nil {
		return err
	}

	gw, err := gateway.NewWithOptions(cfg, c.opts.Gateway)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	out := c.opts.Stdout
	for i, msg := range msgs {
		rep, err := gw.Append(ctx, agentID, msg)
		if err != nil {
			fmt.Fprintf(c.opts.Stderr, "message %d: consolidation failed: %v\n", i+1, err)
			continue
		}
		if rep != nil && !jsonOut {
			fmt.Fprintf(out, "message %d: %s\n", i+1, rep)
		}
	}
	if consolidate {
		rep, err := gw.Consolidate(ctx, agentID)
		if err != nil {
			return fmt.Errorf("consolidate: %w", err)
		}
		if !jsonOut {
			fmt.Fprintf(out, "final: %s\n", rep)
		}
	}

	final := gw.Messages(agentID)
	if jsonOut {
		enc := json.NewEncoder(out)
		for _, m := range final {
			if err := enc.Encode(m); err != nil {
				return fmt.Errorf("encode message: %w", err)
			}
		}
		return nil
	}

	fmt.Fprintf(out, "\nWorking memory (%d of %d messages):\n", len(final), len(msgs))
	now := c.opts.Now()
	for i, m := range final {
		fmt.Fprintf(out, "%3d  %.2f  %-9s %s\n", i+1, gw.Scorer().ScoreAt(m, now), m.Role, oneLine(m.Content, 100))
	}
	return nil
}

func (c *cli) runScore(args []string, top int, minScore float64) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	scoring, err := cfg.ScoringConfig()
	if err != nil {
		return err
	}
	scorer, err := memory.NewImportanceScorer(scoring)
	if err != nil {
		return err
	}
	msgs, err := c.readTranscript(args)
	if err != nil {
		return err
	}

	now := c.opts.Now()
	if minScore > 0 {
		msgs = scorer.FilterByImportance(msgs, minScore, now)
	}
	if top > 0 {
		msgs = scorer.TopN(msgs, top, now)
	}
	for _, m := range msgs {
		fmt.Fprintf(c.opts.Stdout, "%.2f\t%s\t%s\n", scorer.ScoreAt(m, now), m.Role, oneLine(m.Content, 100))
	}
	return nil
}

func (c *cli) runRecall(ctx context.Context, query string, limit int) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.LongTerm.Enabled && c.opts.Gateway.LongTerm == nil {
		return fmt.Errorf("long-term store is not enabled; set longTerm.enabled or MEMBOUND_LONGTERM_ENABLED=true")
	}

	gw, err := gateway.NewWithOptions(cfg, c.opts.Gateway)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	hits, err := gw.Recall(ctx, query, limit)
	if err != nil {
		return fmt.Errorf("recall: %w", err)
	}
	if len(hits) == 0 {
		fmt.Fprintln(c.opts.Stdout, "No matches.")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(c.opts.Stdout, "%.3f  [%s] %s: %s\n", h.Score, h.SessionID, h.Role, oneLine(h.Content, 120))
	}
	return nil
}

func (c *cli) runStatus(ctx context.Context) error {
	out := c.opts.Stdout
	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	path := c.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Fprintf(out, "Config: %s\n", path)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Config: invalid (%v)\n", err)
	}

	m := cfg.Memory
	fmt.Fprintf(out, "Memory: maxMessages=%d recentKeep=%d checkInterval=%d minImportance=%.2f auto=%v",
		m.MaxMessages, m.RecentKeep, m.CheckInterval, m.MinImportance, m.AutoConsolidate)
	if m.MaxPreserved > 0 {
		fmt.Fprintf(out, " maxPreserved=%d\n", m.MaxPreserved)
	} else {
		fmt.Fprintln(out, " maxPreserved=unlimited")
	}

	s := cfg.Summarizer
	switch s.Kind {
	case config.SummarizerModel, config.SummarizerChat:
		fmt.Fprintf(out, "Summarizer: %s (%s, %s)\n", s.Kind, s.Model, providerDisplay(s.Provider.Type))
		fmt.Fprintf(out, "API Key: %s\n", maskKey(s.Provider.APIKey))
	default:
		fmt.Fprintf(out, "Summarizer: %s\n", s.Kind)
	}

	if !cfg.LongTerm.Enabled {
		fmt.Fprintln(out, "Long-term: disabled")
	} else if _, err := os.Stat(cfg.LongTerm.DBPath); err != nil {
		fmt.Fprintf(out, "Long-term: %s (not created yet)\n", cfg.LongTerm.DBPath)
	} else {
		store, err := recall.Open(cfg.LongTerm.DBPath, recall.Options{})
		if err != nil {
			fmt.Fprintf(out, "Long-term: %s (error: %v)\n", cfg.LongTerm.DBPath, err)
		} else {
			defer store.Close()
			st, err := store.Stats(ctx)
			if err != nil {
				fmt.Fprintf(out, "Long-term: %s (error: %v)\n", cfg.LongTerm.DBPath, err)
			} else {
				fmt.Fprintf(out, "Long-term: %s (%d recollections, %d sessions, %d embedded)\n",
					cfg.LongTerm.DBPath, st.Recollections, st.Sessions, st.Embedded)
			}
		}
	}
	if cfg.LongTerm.Enabled && cfg.LongTerm.Embedding.Model != "" {
		fmt.Fprintf(out, "Embedding: %s\n", cfg.LongTerm.Embedding.Model)
	}

	if cfg.Sweep.Enabled {
		fmt.Fprintf(out, "Sweep: %s\n", cfg.Sweep.Schedule)
	} else {
		fmt.Fprintln(out, "Sweep: disabled")
	}
	return nil
}

func (c *cli) runOnboard() error {
	out := c.opts.Stdout
	path := c.configPath
	if path == "" {
		path = config.ConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Config already exists: %s\n", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}

	if err := config.SaveConfigFile(config.DefaultConfig(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(out, "Created config: %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to tune consolidation or pick a model summarizer\n", path)
	fmt.Fprintln(out, "  2. Or set MEMBOUND_API_KEY and MEMBOUND_SUMMARIZER_KIND=model")
	fmt.Fprintln(out, "  3. Run 'membound replay transcript.jsonl' to test")
	return nil
}

// readTranscript parses one JSON message per line from args[0], or stdin
// when no file (or "-") is given. Blank lines are skipped; messages without
// a timestamp are stamped with the current time.
func (c *cli) readTranscript(args []string) ([]memory.Message, error) {
	r := c.opts.Stdin
	name := "stdin"
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close()
		r = f
		name = args[0]
	}

	var msgs []memory.Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	now := c.opts.Now().UTC()
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var msg memory.Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return nil, fmt.Errorf("%s:%d: parse message: %w", name, line, err)
		}
		role, err := memory.ParseRole(string(msg.Role))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		msg.Role = role
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return msgs, nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
