package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
)

const defaultChatTimeout = 30 * time.Second

// ChatConfig configures an OpenAI-compatible /chat/completions endpoint.
type ChatConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxTokens       int
	ReasoningEffort string
	Timeout         time.Duration
}

type chatCompleter struct {
	apiKey          string
	baseURL         string
	model           string
	reasoningEffort string
	maxTokens       int
	httpClient      *http.Client
}

// NewChatCompleter returns a Completer speaking the chat completions wire
// format directly, for gateways agentsdk-go has no provider for.
func NewChatCompleter(cfg ChatConfig) Completer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultChatTimeout
	}
	return &chatCompleter{
		apiKey:          strings.TrimSpace(cfg.APIKey),
		baseURL:         strings.TrimSpace(cfg.BaseURL),
		model:           strings.TrimSpace(cfg.Model),
		reasoningEffort: strings.TrimSpace(cfg.ReasoningEffort),
		maxTokens:       cfg.MaxTokens,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

func (c *chatCompleter) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("missing summarizer api key")
	}
	baseURL := strings.TrimRight(c.baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing summarizer base url")
	}
	modelName := firstNonEmptyTrimmed(req.Model, c.model)
	if modelName == "" {
		return nil, fmt.Errorf("missing summarizer model")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.System); sys != "" {
		messages = append(messages, map[string]string{"role": "system", "content": sys})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	body := map[string]any{
		"model":       modelName,
		"messages":    messages,
		"temperature": 0.3,
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if c.reasoningEffort != "" {
		body["reasoning_effort"] = c.reasoningEffort
	}

	content, statusCode, respBody, err := c.sendChatCompletion(ctx, baseURL, body)
	if err != nil && c.reasoningEffort != "" && isReasoningEffortUnsupported(statusCode, respBody) {
		log.Printf("[memory] warning: reasoning_effort unsupported by summarizer model; retrying without reasoning_effort")
		delete(body, "reasoning_effort")
		content, _, _, err = c.sendChatCompletion(ctx, baseURL, body)
	}
	if err != nil {
		return nil, err
	}
	return &model.Response{Message: model.Message{Role: "assistant", Content: content}}, nil
}

func (c *chatCompleter) sendChatCompletion(ctx context.Context, baseURL string, body map[string]any) (string, int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, respBody, fmt.Errorf("summarizer http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", resp.StatusCode, respBody, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", resp.StatusCode, respBody, fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", resp.StatusCode, respBody, fmt.Errorf("empty content in response")
	}
	return content, resp.StatusCode, respBody, nil
}

func isReasoningEffortUnsupported(statusCode int, respBody []byte) bool {
	if statusCode != http.StatusBadRequest && statusCode != http.StatusUnprocessableEntity {
		return false
	}

	var decoded struct {
		Error struct {
			Param   string `json:"param"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &decoded); err == nil {
		paramName := strings.ToLower(strings.TrimSpace(decoded.Error.Param))
		if paramName == "reasoning_effort" || paramName == "reasoning.effort" {
			return true
		}
		message := strings.ToLower(strings.TrimSpace(decoded.Error.Message))
		if strings.Contains(message, "reasoning_effort") || strings.Contains(message, "reasoning.effort") {
			return true
		}
	}

	bodyText := strings.ToLower(strings.TrimSpace(string(respBody)))
	return strings.Contains(bodyText, "reasoning_effort") || strings.Contains(bodyText, "reasoning.effort")
}

func firstNonEmptyTrimmed(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
