// Package llm implements an OpenAI-compatible chat-completions client for
// DeepSeek-style backends, with retry on transient failures and an optional
// tool-calling loop.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fredericabot/frederica/pkg/frederica/pipeline"
	"github.com/fredericabot/frederica/pkg/frederica/tools"
)

// DefaultMaxToolRounds bounds the tool-calling loop for one turn.
const DefaultMaxToolRounds = 8

// Config holds the LLM provider settings.
type Config struct {
	// BaseURL is the provider endpoint, e.g. "https://api.deepseek.com".
	BaseURL string

	// APIKey authenticates requests.
	APIKey string

	// Model is the chat model name, e.g. "deepseek-chat".
	Model string

	// Temperature is the sampling temperature (0 leaves the provider default).
	Temperature float64

	// MaxTokens caps the completion length (0 leaves the provider default).
	MaxTokens int

	// RequestTimeout bounds a single HTTP request. This is the call-level
	// timeout that keeps a stuck backend from holding the dispatcher.
	RequestTimeout time.Duration

	// MaxRetries is how many times a retryable failure is retried.
	MaxRetries int

	// Persona is the system prompt text (the bot's character).
	Persona string

	// MaxToolRounds bounds the tool-calling loop.
	MaxToolRounds int
}

// Client talks to the chat-completions API. It implements pipeline.Model.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tools      *tools.Registry
	logger     *slog.Logger
}

// New creates an LLM client. toolReg may be nil to disable tool calling.
func New(cfg Config, toolReg *tools.Registry, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		tools:      toolReg,
		logger:     logger.With("component", "llm"),
	}
}

// ---------- Wire types (OpenAI chat completions) ----------

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []chatMessage      `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Tools       []tools.Definition `json:"tools,omitempty"`
	ToolChoice  string             `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate produces a reply for one merged turn. History is rendered as
// alternating user/assistant messages before the current turn. When a tool
// registry is configured the model may call tools; the loop runs until the
// model answers in text or MaxToolRounds is exhausted.
func (c *Client) Generate(ctx context.Context, userID, turnText string, history []pipeline.Exchange) (string, error) {
	messages := c.buildMessages(userID, turnText, history)

	var defs []tools.Definition
	toolChoice := ""
	if c.tools != nil {
		defs = c.tools.Definitions()
		toolChoice = "auto"
	}

	for round := 0; round < c.cfg.MaxToolRounds; round++ {
		resp, err := c.completeWithRetry(ctx, chatRequest{
			Model:       c.cfg.Model,
			Messages:    messages,
			Temperature: c.cfg.Temperature,
			MaxTokens:   c.cfg.MaxTokens,
			Tools:       defs,
			ToolChoice:  toolChoice,
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("chat completion returned no choices")
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 || c.tools == nil {
			return msg.Content, nil
		}

		// Execute every requested tool and feed the results back.
		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			c.logger.Info("executing tool call",
				"user", userID,
				"tool", call.Function.Name,
				"round", round+1,
			)
			result := c.tools.Execute(ctx, call.Function.Name, call.Function.Arguments)
			messages = append(messages, chatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	return "", fmt.Errorf("tool-calling loop exceeded %d rounds", c.cfg.MaxToolRounds)
}

// buildMessages assembles the system prompt, a metadata line with current
// time/channel/user, the past exchanges, and the current turn.
func (c *Client) buildMessages(userID, turnText string, history []pipeline.Exchange) []chatMessage {
	messages := make([]chatMessage, 0, len(history)*2+3)

	if c.cfg.Persona != "" {
		messages = append(messages, chatMessage{Role: "system", Content: c.cfg.Persona})
	}
	messages = append(messages, chatMessage{
		Role: "system",
		Content: fmt.Sprintf("<time>%s <channel>wecom <user_id>%s",
			time.Now().Format("2006-01-02 15:04:05 MST"), userID),
	})

	for _, ex := range history {
		messages = append(messages, chatMessage{Role: "user", Content: ex.UserTurn})
		if ex.Reply != "" {
			messages = append(messages, chatMessage{Role: "assistant", Content: ex.Reply})
		}
	}

	messages = append(messages, chatMessage{Role: "user", Content: turnText})
	return messages
}

// completeWithRetry retries retryable failures (network errors, 429, 5xx)
// with linear backoff.
func (c *Client) completeWithRetry(ctx context.Context, req chatRequest) (*chatResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retryable, err := c.completeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}

		backoff := time.Duration(attempt) * time.Second
		c.logger.Warn("chat completion failed, retrying",
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("chat completion failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// completeOnce performs one HTTP request. The second return reports whether
// the failure is worth retrying.
func (c *Client) completeOnce(ctx context.Context, reqBody chatRequest) (*chatResponse, bool, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatEndpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		msg := truncate(string(respBody), 300)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, isRetryableStatus(resp.StatusCode),
			fmt.Errorf("chat completion API returned %d: %s", resp.StatusCode, msg)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, fmt.Errorf("decoding response: %w", err)
	}

	if parsed.Usage != nil {
		c.logger.Debug("chat completion done",
			"model", c.cfg.Model,
			"duration_ms", time.Since(start).Milliseconds(),
			"prompt_tokens", parsed.Usage.PromptTokens,
			"completion_tokens", parsed.Usage.CompletionTokens,
		)
	}
	return &parsed, false, nil
}

func (c *Client) chatEndpoint() string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	return base + "/chat/completions"
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
