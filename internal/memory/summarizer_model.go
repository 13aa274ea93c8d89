package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
)

const (
	defaultSummaryMaxTokens = 1024

	summarySystemPrompt = `You are a memory consolidation engine for a long-running agent.
Condense the conversation excerpt into a short factual summary that lets the agent continue the work.
Keep: errors and how they were fixed, decisions, open questions, artifacts and file names, task outcomes.
Drop: greetings, acknowledgements, repeated content.
Reply with plain text only.`

	summaryUserPrompt = `Summarize these %d messages.

%s`
)

// Completer is the part of an agentsdk-go model the summarizer needs.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// ModelSummarizer asks a language model to fold messages. When the model
// fails and Fallback is set, the fallback result is used instead.
type ModelSummarizer struct {
	completer Completer
	model     string
	maxTokens int
	Fallback  Summarizer
}

func NewModelSummarizer(c Completer, modelName string, maxTokens int) *ModelSummarizer {
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}
	return &ModelSummarizer{
		completer: c,
		model:     strings.TrimSpace(modelName),
		maxTokens: maxTokens,
	}
}

func (s *ModelSummarizer) Summarize(ctx context.Context, msgs []Message) (Message, error) {
	if len(msgs) == 0 {
		return Message{}, fmt.Errorf("summarize: empty input")
	}
	out, err := s.complete(ctx, msgs)
	if err == nil {
		return out, nil
	}
	if s.Fallback == nil {
		return Message{}, err
	}
	log.Printf("[memory] model summarizer failed, using fallback: %v", err)
	return s.Fallback.Summarize(ctx, msgs)
}

func (s *ModelSummarizer) complete(ctx context.Context, msgs []Message) (Message, error) {
	if s.completer == nil {
		return Message{}, fmt.Errorf("summarize: no model configured")
	}
	req := model.Request{
		System:    summarySystemPrompt,
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []model.Message{{
			Role:    "user",
			Content: fmt.Sprintf(summaryUserPrompt, len(msgs), formatMessagesForPrompt(msgs)),
		}},
	}
	resp, err := s.completer.Complete(ctx, req)
	if err != nil {
		return Message{}, fmt.Errorf("summarize: complete: %w", err)
	}
	if resp == nil {
		return Message{}, fmt.Errorf("summarize: empty response")
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return Message{}, fmt.Errorf("summarize: empty summary text")
	}

	info := summaryInfoFor(msgs)
	return summaryMessage(summaryHeader(info)+"\n"+text, info), nil
}
