package memory

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	DefaultBaseScore          = 0.5
	DefaultRecencyBonus       = 0.1
	DefaultRecencyHorizon     = time.Hour
	DefaultUserBonus          = 0.05
	DefaultAssistantPenalty   = -0.05
	DefaultSystemPenalty      = -0.05
	DefaultErrorBonus         = 0.25
	DefaultFixBonus           = 0.15
	DefaultDecisionBonus      = 0.15
	DefaultDecisionTagBonus   = 0.2
	DefaultArtifactBonus      = 0.1
	DefaultTaskCompletedBonus = 0.15
	DefaultLongContentWords   = 50
	DefaultLongContentBonus   = 0.05
	DefaultQuestionBonus      = 0.1
)

var (
	errorVocabRegex    = regexp.MustCompile(`(?i)\b(errors?|fail(s|ed|ing|ure|ures)?|exceptions?|panic(s|ked)?|crash(es|ed)?|traceback|bugs?|broken|fatal)\b`)
	fixVocabRegex      = regexp.MustCompile(`(?i)\b(fix(es|ed)?|resolved?|solved|workaround|patched|solution)\b`)
	decisionVocabRegex = regexp.MustCompile(`(?i)\b(decided|decide|decisions?|agreed|going with|chose|choose|approved)\b`)
)

// ScoringConfig holds the weights of the additive importance terms.
type ScoringConfig struct {
	Base               float64
	RecencyBonus       float64
	RecencyHorizon     time.Duration
	UserBonus          float64
	AssistantPenalty   float64
	SystemPenalty      float64
	ErrorBonus         float64
	FixBonus           float64
	DecisionBonus      float64
	DecisionTagBonus   float64
	ArtifactBonus      float64
	TaskCompletedBonus float64
	LongContentWords   int
	LongContentBonus   float64
	QuestionBonus      float64
}

func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Base:               DefaultBaseScore,
		RecencyBonus:       DefaultRecencyBonus,
		RecencyHorizon:     DefaultRecencyHorizon,
		UserBonus:          DefaultUserBonus,
		AssistantPenalty:   DefaultAssistantPenalty,
		SystemPenalty:      DefaultSystemPenalty,
		ErrorBonus:         DefaultErrorBonus,
		FixBonus:           DefaultFixBonus,
		DecisionBonus:      DefaultDecisionBonus,
		DecisionTagBonus:   DefaultDecisionTagBonus,
		ArtifactBonus:      DefaultArtifactBonus,
		TaskCompletedBonus: DefaultTaskCompletedBonus,
		LongContentWords:   DefaultLongContentWords,
		LongContentBonus:   DefaultLongContentBonus,
		QuestionBonus:      DefaultQuestionBonus,
	}
}

// Validate rejects weights that would make the score undefined.
func (c ScoringConfig) Validate() error {
	var errs []error
	weights := map[string]float64{
		"base":               c.Base,
		"recencyBonus":       c.RecencyBonus,
		"userBonus":          c.UserBonus,
		"assistantPenalty":   c.AssistantPenalty,
		"systemPenalty":      c.SystemPenalty,
		"errorBonus":         c.ErrorBonus,
		"fixBonus":           c.FixBonus,
		"decisionBonus":      c.DecisionBonus,
		"decisionTagBonus":   c.DecisionTagBonus,
		"artifactBonus":      c.ArtifactBonus,
		"taskCompletedBonus": c.TaskCompletedBonus,
		"longContentBonus":   c.LongContentBonus,
		"questionBonus":      c.QuestionBonus,
	}
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !isFinite(weights[name]) {
			errs = append(errs, fmt.Errorf("scoring %s must be finite", name))
		}
	}
	if c.RecencyHorizon <= 0 {
		errs = append(errs, fmt.Errorf("scoring recencyHorizon must be positive, got %s", c.RecencyHorizon))
	}
	if c.LongContentWords < 0 {
		errs = append(errs, fmt.Errorf("scoring longContentWords cannot be negative, got %d", c.LongContentWords))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ImportanceScorer rates how costly it would be to lose a message's detail.
// Scores are in [0,1]; the same inputs always produce the same score.
type ImportanceScorer struct {
	cfg ScoringConfig
}

func NewImportanceScorer(cfg ScoringConfig) (*ImportanceScorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ImportanceScorer{cfg: cfg}, nil
}

// Score rates msg against the current time.
func (s *ImportanceScorer) Score(msg Message) float64 {
	return s.ScoreAt(msg, time.Now())
}

// ScoreAt rates msg as of now. It never fails: a term whose inputs are
// missing or malformed contributes zero.
func (s *ImportanceScorer) ScoreAt(msg Message, now time.Time) float64 {
	score := s.cfg.Base
	score += s.recencyTerm(msg.Timestamp, now)
	score += s.roleTerm(msg.Role)

	// Summary text is derived from other messages; only the envelope counts.
	if !msg.IsSummary() {
		score += s.contentTerm(msg.Content)
		score += s.metadataTerm(msg.Metadata)
		score += s.structureTerm(msg.Content)
	}
	return clamp01(score)
}

func (s *ImportanceScorer) recencyTerm(ts, now time.Time) float64 {
	if ts.IsZero() || now.IsZero() {
		return 0
	}
	age := now.Sub(ts)
	if age < 0 || age >= s.cfg.RecencyHorizon {
		return 0
	}
	frac := 1 - float64(age)/float64(s.cfg.RecencyHorizon)
	return s.cfg.RecencyBonus * frac
}

func (s *ImportanceScorer) roleTerm(role Role) float64 {
	switch role {
	case RoleUser:
		return s.cfg.UserBonus
	case RoleAssistant:
		return s.cfg.AssistantPenalty
	case RoleSystem:
		return s.cfg.SystemPenalty
	default:
		return 0
	}
}

func (s *ImportanceScorer) contentTerm(content string) float64 {
	var bonus float64
	if errorVocabRegex.MatchString(content) {
		bonus += s.cfg.ErrorBonus
	}
	if fixVocabRegex.MatchString(content) {
		bonus += s.cfg.FixBonus
	}
	if decisionVocabRegex.MatchString(content) {
		bonus += s.cfg.DecisionBonus
	}
	return bonus
}

func (s *ImportanceScorer) metadataTerm(md Metadata) float64 {
	var bonus float64
	if md.Decision {
		bonus += s.cfg.DecisionTagBonus
	}
	for _, a := range md.Artifacts {
		if strings.TrimSpace(a) != "" {
			bonus += s.cfg.ArtifactBonus
			break
		}
	}
	if md.TaskCompleted {
		bonus += s.cfg.TaskCompletedBonus
	}
	return bonus
}

func (s *ImportanceScorer) structureTerm(content string) float64 {
	var bonus float64
	if s.cfg.LongContentWords > 0 && len(strings.Fields(content)) > s.cfg.LongContentWords {
		bonus += s.cfg.LongContentBonus
	}
	if strings.ContainsAny(content, "?？") {
		bonus += s.cfg.QuestionBonus
	}
	return bonus
}

// FilterByImportance returns the messages scoring at least threshold, in order.
func (s *ImportanceScorer) FilterByImportance(msgs []Message, threshold float64, now time.Time) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if s.ScoreAt(m, now) >= threshold {
			out = append(out, m)
		}
	}
	return out
}

// TopN returns the n highest scoring messages, best first. Equal scores keep
// their original relative order.
func (s *ImportanceScorer) TopN(msgs []Message, n int, now time.Time) []Message {
	if n <= 0 || len(msgs) == 0 {
		return nil
	}
	ranked := rankByScore(s, msgs, now)
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]Message, n)
	for i := 0; i < n; i++ {
		out[i] = msgs[ranked[i].index]
	}
	return out
}

type scoredIndex struct {
	index int
	score float64
}

// rankByScore orders indexes of msgs by descending score, oldest first on ties.
func rankByScore(s *ImportanceScorer, msgs []Message, now time.Time) []scoredIndex {
	ranked := make([]scoredIndex, len(msgs))
	for i, m := range msgs {
		ranked[i] = scoredIndex{index: i, score: s.ScoreAt(m, now)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	return ranked
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
