package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultExcerptChars = 160
	DefaultMaxExcerpts  = 8
)

// Summarizer folds a block of messages into one synthetic message. Given the
// same input an implementation should produce the same content.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (Message, error)
}

// SummarizerFunc adapts a plain function to Summarizer.
type SummarizerFunc func(ctx context.Context, msgs []Message) (Message, error)

func (f SummarizerFunc) Summarize(ctx context.Context, msgs []Message) (Message, error) {
	return f(ctx, msgs)
}

// HeuristicSummarizer produces a local, model-free digest: counts, time range,
// roles, task ids and truncated excerpts.
type HeuristicSummarizer struct {
	ExcerptChars int
	MaxExcerpts  int
}

func NewHeuristicSummarizer(excerptChars, maxExcerpts int) *HeuristicSummarizer {
	if excerptChars <= 0 {
		excerptChars = DefaultExcerptChars
	}
	if maxExcerpts <= 0 {
		maxExcerpts = DefaultMaxExcerpts
	}
	return &HeuristicSummarizer{ExcerptChars: excerptChars, MaxExcerpts: maxExcerpts}
}

func (h *HeuristicSummarizer) Summarize(_ context.Context, msgs []Message) (Message, error) {
	if len(msgs) == 0 {
		return Message{}, fmt.Errorf("summarize: empty input")
	}
	excerptChars := h.ExcerptChars
	if excerptChars <= 0 {
		excerptChars = DefaultExcerptChars
	}
	maxExcerpts := h.MaxExcerpts
	if maxExcerpts <= 0 {
		maxExcerpts = DefaultMaxExcerpts
	}

	info := summaryInfoFor(msgs)
	var sb strings.Builder
	sb.WriteString(summaryHeader(info))

	roles := make(map[Role]int)
	tasks := make([]string, 0)
	seenTask := map[string]struct{}{}
	for _, m := range msgs {
		roles[m.Role]++
		if id := strings.TrimSpace(m.TaskID); id != "" {
			if _, ok := seenTask[id]; !ok {
				seenTask[id] = struct{}{}
				tasks = append(tasks, id)
			}
		}
	}
	sb.WriteString("\nroles: ")
	sb.WriteString(formatRoleCounts(roles))
	if len(tasks) > 0 {
		sb.WriteString("\ntasks: ")
		sb.WriteString(strings.Join(tasks, ", "))
	}

	shown := 0
	for _, m := range msgs {
		if shown == maxExcerpts {
			break
		}
		text := excerpt(m.Content, excerptChars)
		if text == "" {
			continue
		}
		sb.WriteString("\n- ")
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(text)
		shown++
	}
	if rest := len(msgs) - shown; rest > 0 && shown == maxExcerpts {
		sb.WriteString(fmt.Sprintf("\n(+%d more)", rest))
	}

	return summaryMessage(sb.String(), info), nil
}

// summaryInfoFor counts what msgs represent. A folded summary counts for the
// messages it already stood for.
func summaryInfoFor(msgs []Message) SummaryInfo {
	var info SummaryInfo
	for _, m := range msgs {
		if m.Metadata.Summary != nil && m.Metadata.Summary.Count > 0 {
			info.Count += m.Metadata.Summary.Count
		} else {
			info.Count++
		}
		from, to := m.Timestamp, m.Timestamp
		if s := m.Metadata.Summary; s != nil {
			if !s.From.IsZero() {
				from = s.From
			}
			if !s.To.IsZero() {
				to = s.To
			}
		}
		if !from.IsZero() && (info.From.IsZero() || from.Before(info.From)) {
			info.From = from
		}
		if !to.IsZero() && to.After(info.To) {
			info.To = to
		}
	}
	return info
}

func summaryHeader(info SummaryInfo) string {
	if info.From.IsZero() || info.To.IsZero() {
		return fmt.Sprintf("[consolidated %d messages]", info.Count)
	}
	return fmt.Sprintf("[consolidated %d messages from %s to %s]",
		info.Count, info.From.UTC().Format(time.RFC3339), info.To.UTC().Format(time.RFC3339))
}

func summaryMessage(content string, info SummaryInfo) Message {
	s := info
	return Message{
		Role:      RoleSystem,
		Content:   content,
		Timestamp: info.To,
		Metadata:  Metadata{Source: "consolidation", Summary: &s},
	}
}

func formatRoleCounts(roles map[Role]int) string {
	keys := make([]string, 0, len(roles))
	for r := range roles {
		keys = append(keys, string(r))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, roles[Role(k)]))
	}
	return strings.Join(parts, " ")
}

// excerpt returns the first line of s cut to at most n runes.
func excerpt(s string, n int) string {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) <= n {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:n])) + "..."
}

// formatMessagesForPrompt renders msgs as labelled lines for a model prompt.
func formatMessagesForPrompt(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		ts := "unknown"
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.UTC().Format("2006-01-02T15:04")
		}
		task := ""
		if m.TaskID != "" {
			task = " [task: " + m.TaskID + "]"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s%s: %s", ts, strings.ToUpper(string(m.Role)), task, content))
	}
	return strings.Join(lines, "\n")
}
