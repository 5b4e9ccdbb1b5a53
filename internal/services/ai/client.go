package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrEmptyResponse is returned when the provider answers without content
var ErrEmptyResponse = errors.New("no response from AI")

// Service represents the AI service interface
type Service interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Request is one chat completion call
type Request struct {
	Model       string
	System      string
	Messages    []models.Message
	MaxTokens   int
	Temperature float64
}

// Completion is the provider's answer and its actual token usage
type Completion struct {
	Content      string
	Model        string
	FinishReason string
	Usage        models.TokenUsage
}

// ProviderError is a non-200 answer from the provider
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("AI request failed with status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the caller may retry: rate limits and server errors
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to an OpenAI-compatible chat completions endpoint. It never
// retries; deadlines come from the caller's context.
type Client struct {
	baseURL     string
	apiKey      string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	logger      *logrus.Logger
}

// NewClient creates a new AI client
func NewClient(cfg config.LLMConfig, logger *logrus.Logger) *Client {
	logger.WithFields(logrus.Fields{
		"baseURL": cfg.BaseURL,
		"model":   cfg.DefaultModel,
	}).Info("AI client initialized")

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		maxTokens:   cfg.MaxResponseTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{},
		logger:      logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one chat completion request
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, 0, len(req.Messages)+1),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = c.maxTokens
	}
	if body.Temperature == 0 {
		body.Temperature = c.temperature
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: models.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.WithFields(logrus.Fields{
		"model":    req.Model,
		"messages": len(body.Messages),
	}).Debug("Sending AI request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("AI request aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("AI request aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"model":  req.Model,
		}).Error("AI request failed")
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: providerMessage(data)}
	}

	var result chatResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error.Message != "" {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: result.Error.Message}
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	model := result.Model
	if model == "" {
		model = req.Model
	}
	return &Completion{
		Content:      result.Choices[0].Message.Content,
		Model:        model,
		FinishReason: result.Choices[0].FinishReason,
		Usage: models.TokenUsage{
			Input:  result.Usage.PromptTokens,
			Output: result.Usage.CompletionTokens,
		},
	}, nil
}

// providerMessage extracts error.message from a provider body, falling back
// to a bounded copy of the raw body
func providerMessage(data []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	const maxBody = 200
	msg := strings.TrimSpace(string(data))
	if len(msg) > maxBody {
		msg = msg[:maxBody]
	}
	return msg
}
