package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

type Options struct {
	Temperature        float64
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
	HTTPClient         *http.Client
}

// Client talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter, vLLM, LM Studio, OpenAI).
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
	executor    *resilience.Executor
}

func New(baseURL, apiKey, model string, opts Options) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Streams are bounded by the request context, not by a client timeout.
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: opts.Temperature,
		httpClient:  httpClient,
		executor:    opts.ResilienceExecutor,
	}
}

var _ ports.ModelTransport = (*Client)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type apiError struct {
	Message string `json:"message"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

func (c *Client) StreamCompletion(ctx context.Context, turns []domain.ConversationTurn, onFragment func(string) error) error {
	var body io.ReadCloser
	err := c.execute(ctx, "llm.stream_open", func(callCtx context.Context) error {
		resp, err := c.post(callCtx, c.request(turns, true), "stream")
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return wrapTransportError("llm stream", err)
	}
	defer body.Close()

	return readEventStream(body, func(payload string) error {
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return domain.WrapError(domain.ErrTransport, "llm stream", fmt.Errorf("decode chunk: %w", err))
		}
		if chunk.Error != nil {
			return domain.WrapError(domain.ErrTransport, "llm stream", fmt.Errorf("provider error: %s", chunk.Error.Message))
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onFragment(choice.Delta.Content); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Client) CompleteOnce(ctx context.Context, turns []domain.ConversationTurn) (string, error) {
	var response completionResponse
	err := c.execute(ctx, "llm.complete", func(callCtx context.Context) error {
		resp, err := c.post(callCtx, c.request(turns, false), "complete")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		response = completionResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return fmt.Errorf("decode complete response: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", wrapTransportError("llm complete", err)
	}
	if response.Error != nil {
		return "", domain.WrapError(domain.ErrTransport, "llm complete", fmt.Errorf("provider error: %s", response.Error.Message))
	}
	if len(response.Choices) == 0 {
		return "", domain.WrapError(domain.ErrTransport, "llm complete", fmt.Errorf("empty choices"))
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

func (c *Client) request(turns []domain.ConversationTurn, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		Stream:      stream,
	}
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, operation, fn, classifyLLMError)
}

// post returns the response only for 2xx statuses; the caller owns its body.
func (c *Client) post(ctx context.Context, payload any, operation string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm %s request: %w", operation, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(msg),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

// readEventStream feeds every "data:" payload to handle until [DONE] or EOF.
func readEventStream(body io.Reader, handle func(payload string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			return nil
		}
		if err := handle(payload); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.WrapError(domain.ErrTransport, "llm stream", fmt.Errorf("read stream: %w", err))
	}
	return nil
}
