package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
)

type Client struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	executor    *resilience.Executor
}

func New(baseURL, model string, temperature float64) *Client {
	return NewWithExecutor(baseURL, model, temperature, nil)
}

func NewWithExecutor(baseURL, model string, temperature float64, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{},
		executor:    executor,
	}
}

var _ ports.ModelTransport = (*Client)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error"`
}

func (c *Client) StreamCompletion(ctx context.Context, turns []domain.ConversationTurn, onFragment func(string) error) error {
	resp, err := c.openChat(ctx, turns, true, "llm.stream_open")
	if err != nil {
		return wrapTransportError("ollama stream", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return domain.WrapError(domain.ErrTransport, "ollama stream", fmt.Errorf("decode chunk: %w", err))
		}
		if chunk.Error != "" {
			return domain.WrapError(domain.ErrTransport, "ollama stream", fmt.Errorf("model error: %s", chunk.Error))
		}
		if chunk.Message.Content != "" {
			if err := onFragment(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.WrapError(domain.ErrTransport, "ollama stream", fmt.Errorf("read stream: %w", err))
	}
	return nil
}

func (c *Client) CompleteOnce(ctx context.Context, turns []domain.ConversationTurn) (string, error) {
	var response chatResponse
	err := c.execute(ctx, "llm.complete", func(callCtx context.Context) error {
		resp, err := c.postJSON(callCtx, "/api/chat", c.request(turns, false), "chat")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		response = chatResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", wrapTransportError("ollama complete", err)
	}
	if response.Error != "" {
		return "", domain.WrapError(domain.ErrTransport, "ollama complete", fmt.Errorf("model error: %s", response.Error))
	}
	return strings.TrimSpace(response.Message.Content), nil
}

func (c *Client) openChat(ctx context.Context, turns []domain.ConversationTurn, stream bool, operation string) (*http.Response, error) {
	var resp *http.Response
	err := c.execute(ctx, operation, func(callCtx context.Context) error {
		opened, err := c.postJSON(callCtx, "/api/chat", c.request(turns, stream), "chat")
		if err != nil {
			return err
		}
		resp = opened
		return nil
	})
	return resp, err
}

func (c *Client) request(turns []domain.ConversationTurn, stream bool) map[string]any {
	messages := make([]chatMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return map[string]any{
		"model":    c.model,
		"messages": messages,
		"stream":   stream,
		"options": map[string]any{
			"temperature": c.temperature,
		},
	}
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, operation, fn, classifyOllamaError)
}
