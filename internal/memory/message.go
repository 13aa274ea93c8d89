package memory

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	default:
		return false
	}
}

// ParseRole normalizes free-form role text from producers.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// SummaryInfo marks a message as the synthetic result of a consolidation.
type SummaryInfo struct {
	ID    string    `json:"id" yaml:"id"`
	Count int       `json:"count" yaml:"count"`
	From  time.Time `json:"from" yaml:"from"`
	To    time.Time `json:"to" yaml:"to"`
}

// Metadata is the closed set of annotations the scorer understands, plus
// Extra for producer-specific keys it ignores.
type Metadata struct {
	Decision      bool              `json:"decision,omitempty" yaml:"decision,omitempty"`
	Artifacts     []string          `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	TaskCompleted bool              `json:"taskCompleted,omitempty" yaml:"taskCompleted,omitempty"`
	Source        string            `json:"source,omitempty" yaml:"source,omitempty"`
	Summary       *SummaryInfo      `json:"summary,omitempty" yaml:"summary,omitempty"`
	Extra         map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Artifacts != nil {
		out.Artifacts = append([]string(nil), m.Artifacts...)
	}
	if m.Summary != nil {
		s := *m.Summary
		out.Summary = &s
	}
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Message is one history entry. Content is never modified after creation;
// Importance is a cache of the last computed score and is never trusted as
// input to decisions.
type Message struct {
	Role       Role      `json:"role" yaml:"role"`
	Content    string    `json:"content" yaml:"content"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	TaskID     string    `json:"taskId,omitempty" yaml:"taskId,omitempty"`
	Metadata   Metadata  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Importance *float64  `json:"importance,omitempty" yaml:"importance,omitempty"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// IsSummary reports whether m was produced by a consolidation pass.
func (m Message) IsSummary() bool {
	return m.Metadata.Summary != nil
}

// Clone returns a deep copy so callers cannot mutate buffer state through
// shared slices or maps.
func (m Message) Clone() Message {
	out := m
	out.Metadata = m.Metadata.clone()
	if m.Importance != nil {
		v := *m.Importance
		out.Importance = &v
	}
	return out
}

// validate checks a message entering the buffer through Replace. History
// that was accepted by Append is not re-judged; only consolidation summaries
// must carry a known role and a positive count.
func (m Message) validate() error {
	if !m.IsSummary() {
		return nil
	}
	if m.Metadata.Summary.Count <= 0 {
		return fmt.Errorf("%w: summary covers no messages", ErrInvalidMessage)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
