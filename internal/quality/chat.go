package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forgepipe/conductor/internal/agent"
	"github.com/forgepipe/conductor/internal/tools"
)

// Message is one turn of the OpenAI-style chat transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one function call the model requested.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name/arguments pair inside a ToolCall.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatRequest is what gets sent to the chat completions endpoint.
type ChatRequest struct {
	Model    string       `json:"model"`
	Messages []Message    `json:"messages"`
	Tools    []toolSchema `json:"tools,omitempty"`
}

type toolSchema struct {
	Type     string     `json:"type"`
	Function tools.Spec `json:"function"`
}

// ChatResponse is the single-choice slice of an OpenAI-style completion
// response this loop cares about.
type ChatResponse struct {
	FinishReason string
	Message      Message
}

// ChatClient drives one request/response round trip against an LLM
// endpoint. Split out as an interface so the loop can be tested without a
// live HTTP server.
type ChatClient interface {
	Complete(ctx context.Context, endpoint agent.Endpoint, req ChatRequest) (ChatResponse, error)
}

// HTTPChatClient implements ChatClient against an OpenAI-compatible
// /chat/completions endpoint.
type HTTPChatClient struct {
	HTTP *http.Client
}

type openAIRequest struct {
	Model    string       `json:"model"`
	Messages []Message    `json:"messages"`
	Tools    []toolSchema `json:"tools,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		FinishReason string  `json:"finish_reason"`
		Message      Message `json:"message"`
	} `json:"choices"`
}

func (c *HTTPChatClient) Complete(ctx context.Context, endpoint agent.Endpoint, req ChatRequest) (ChatResponse, error) {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}

	body, err := json.Marshal(openAIRequest{Model: req.Model, Messages: req.Messages, Tools: req.Tools})
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if endpoint.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return ChatResponse{}, fmt.Errorf("chat: %s: %s", resp.Status, string(data))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ChatResponse{}, fmt.Errorf("chat: unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("chat: empty choices in response")
	}
	return ChatResponse{FinishReason: parsed.Choices[0].FinishReason, Message: parsed.Choices[0].Message}, nil
}
