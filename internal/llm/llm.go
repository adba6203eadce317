// Package llm is the completion backend used by planner and orchestrator
// workers. The policy engine never calls it; gating decisions are made
// before any model involvement.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// EnvAPIKey overrides the configured API key.
const EnvAPIKey = "WARDEN_LLM_API_KEY"

// Result of one completion call. Err is set when the backend answered but
// could not complete; transport failures surface as Go errors instead.
type Result struct {
	Success bool   `json:"success"`
	Text    string `json:"text,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Completer produces a completion for a prompt at a given effort tier.
type Completer interface {
	Complete(ctx context.Context, prompt, tier string) (Result, error)
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewClient(baseURL, apiKey, model string) *Client {
	if env := os.Getenv(EnvAPIKey); env != "" {
		apiKey = env
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one chat turn. The tier is folded into the system prompt
// so lower tiers get a more conservative worker.
func (c *Client) Complete(ctx context.Context, prompt, tier string) (Result, error) {
	system := fmt.Sprintf("You are a task worker operating at the %s permission tier. Propose actions as JSON envelopes; never assume an action was executed.", tier)
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read completion response: %w", err)
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode completion response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return Result{Success: false, Err: decoded.Error.Message}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Success: false, Err: fmt.Sprintf("status %d", resp.StatusCode)}, nil
	}
	if len(decoded.Choices) == 0 {
		return Result{Success: false, Err: "no choices returned"}, nil
	}
	return Result{Success: true, Text: decoded.Choices[0].Message.Content}, nil
}

// Static is a canned Completer for tests and offline runs.
type Static struct {
	Text    string
	FailMsg string
}

func (s Static) Complete(ctx context.Context, prompt, tier string) (Result, error) {
	if s.FailMsg != "" {
		return Result{Success: false, Err: s.FailMsg}, nil
	}
	return Result{Success: true, Text: s.Text}, nil
}
