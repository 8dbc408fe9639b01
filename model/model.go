package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Message is one turn of a text conversation.
type Message struct {
	Role string `json:"role"` // "system", "user" or "assistant"
	Text string `json:"text"`
}

// Request captures the normalized model input produced by invokers and deciders.
type Request struct {
	Instructions string    `json:"instructions"`
	Messages     []Message `json:"messages"`
	Stream       bool      `json:"stream,omitempty"`
}

// UserText returns the text of the last user message.
func (r Request) UserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Text
		}
	}

	return ""
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"` // Indicates if this is a partial response
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Model is the minimal interface required by model-backed agents and routers.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrNoResponse is returned when a model closed its stream without a final response.
var ErrNoResponse = errors.New("model returned no final response")

// Collect drains a Generate call and returns the final response. Partial
// chunks are concatenated when the final chunk carries no text.
func Collect(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		partial strings.Builder
		final   *Response
	)

	for respCh != nil || errCh != nil {
		select {
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}

			if r.Partial {
				partial.WriteString(r.Text)
				continue
			}

			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}

			if err != nil {
				return Response{}, err
			}
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	if final == nil {
		return Response{}, ErrNoResponse
	}

	if final.Text == "" {
		final.Text = partial.String()
	}

	return *final, nil
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// It is safe for concurrent use.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	fallback  string
	err       error
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for a user prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses[prompt] = response
}

// SetFallback sets the completion returned for prompts without a canned response.
// An empty fallback echoes the prompt.
func (m *MockModel) SetFallback(response string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fallback = response
}

// SetError makes every Generate call fail with err.
func (m *MockModel) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err
}

// Requests returns the requests received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Request(nil), m.requests...)
}

// Generate implements Model; emits optional streaming char chunks then final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	failure := m.err
	full, ok := m.responses[req.UserText()]

	if !ok {
		full = m.fallback
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if failure != nil {
			errCh <- failure
			return
		}

		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}

		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", req.UserText())
		}

		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}

		respCh <- Response{
			Partial:      false,
			Text:         full,
			FinishReason: "stop",
			Usage:        &TokenUsage{PromptTokens: len(req.UserText()), CompletionTokens: len(full), TotalTokens: len(req.UserText()) + len(full)},
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
