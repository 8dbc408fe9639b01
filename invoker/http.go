package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ErrRemoteAgent is wrapped by errors reported by a remote agent itself.
var ErrRemoteAgent = errors.New("remote agent error")

// HTTPOptions configure a remote agent.
type HTTPOptions struct {
	// Name is sent as the "agent" field of the request body.
	Name    string
	Headers map[string]string
	Client  *http.Client
}

// HTTPAgent invokes a remote agent over HTTP. The request is
// POST {endpoint}/invoke with body {"agent": name, "input": input}. The reply
// is either a JSON document {"output": ...} or an SSE stream of
// delta / done / error events.
type HTTPAgent struct {
	endpoint string
	opts     HTTPOptions
}

// NewHTTP creates a remote agent for endpoint.
func NewHTTP(endpoint string, optFns ...func(o *HTTPOptions)) *HTTPAgent {
	opts := HTTPOptions{
		Client: &http.Client{
			Timeout: 5 * time.Minute, // long timeout for streaming
		},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &HTTPAgent{endpoint: strings.TrimSuffix(endpoint, "/"), opts: opts}
}

type invokeRequest struct {
	Agent string `json:"agent,omitempty"`
	Input any    `json:"input"`
}

type invokeReply struct {
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}

// sseEvent is a parsed server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

type deltaData struct {
	Text string `json:"text"`
}

type errorData struct {
	Message string `json:"message"`
}

// Invoke implements Agent.
func (a *HTTPAgent) Invoke(ctx context.Context, input any) (any, error) {
	body, err := json.Marshal(invokeRequest{Agent: a.opts.Name, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	for k, v := range a.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readStream(resp.Body)
	}

	var reply invokeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}

	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemoteAgent, reply.Error)
	}

	return reply.Output, nil
}

// readStream folds an SSE stream into the step output. A done event with an
// output wins; otherwise the concatenated delta texts are returned.
func readStream(r io.Reader) (any, error) {
	var (
		text   strings.Builder
		output any
		done   bool
	)

	err := parseSSE(r, func(ev sseEvent) error {
		switch ev.Event {
		case "delta":
			var d deltaData
			if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
				return fmt.Errorf("parse delta event: %w", err)
			}

			text.WriteString(d.Text)
		case "done":
			done = true

			if ev.Data == "" {
				return nil
			}

			var reply invokeReply
			if err := json.Unmarshal([]byte(ev.Data), &reply); err != nil {
				return fmt.Errorf("parse done event: %w", err)
			}

			output = reply.Output
		case "error":
			var e errorData
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil || e.Message == "" {
				return fmt.Errorf("%w: %s", ErrRemoteAgent, ev.Data)
			}

			return fmt.Errorf("%w: %s", ErrRemoteAgent, e.Message)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !done {
		return nil, errors.New("stream ended without done event")
	}

	if output != nil {
		return output, nil
	}

	return text.String(), nil
}

// parseSSE parses an SSE stream and calls fn for each event.
func parseSSE(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev sseEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if ev.Event != "" || ev.Data != "" {
				if err := fn(ev); err != nil {
					return err
				}

				ev = sseEvent{}
			}

			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if ev.Data != "" {
				ev.Data += "\n" + data
			} else {
				ev.Data = data
			}
		}
	}

	if ev.Event != "" || ev.Data != "" {
		if err := fn(ev); err != nil {
			return err
		}
	}

	return scanner.Err()
}
