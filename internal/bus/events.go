package bus

import (
	"strings"
	"time"

	"github.com/stellarlinkco/membound/internal/memory"
)

// InboundMessage is one history entry produced outside the process owner,
// such as a chat channel or a tool runner, addressed to an agent's memory.
type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Role      string
	Content   string
	Timestamp time.Time
	TaskID    string
	Metadata  memory.Metadata
}

// AgentKey names the agent memory this message belongs to.
func (m *InboundMessage) AgentKey() string {
	channel := strings.TrimSpace(m.Channel)
	chat := strings.TrimSpace(m.ChatID)
	switch {
	case channel == "":
		return chat
	case chat == "":
		return channel
	default:
		return channel + ":" + chat
	}
}

// ToMemory converts m, defaulting the role to user and the timestamp to now.
func (m *InboundMessage) ToMemory(now time.Time) (memory.Message, error) {
	role := memory.RoleUser
	if strings.TrimSpace(m.Role) != "" {
		parsed, err := memory.ParseRole(m.Role)
		if err != nil {
			return memory.Message{}, err
		}
		role = parsed
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = now
	}
	md := m.Metadata
	if m.SenderID != "" {
		md.Extra = cloneExtra(md.Extra)
		md.Extra["sender"] = m.SenderID
	}
	if md.Source == "" {
		md.Source = m.Channel
	}
	return memory.Message{
		Role:      role,
		Content:   m.Content,
		Timestamp: ts.UTC(),
		TaskID:    m.TaskID,
		Metadata:  md,
	}, nil
}

func cloneExtra(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
