package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAgent_JSONReply(t *testing.T) {
	gotCh := make(chan invokeRequest, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoke", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))

		var got invokeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		gotCh <- got

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":{"answer":42}}`))
	}))
	defer srv.Close()

	a := NewHTTP(srv.URL+"/", func(o *HTTPOptions) {
		o.Name = "calc"
		o.Headers = map[string]string{"X-Token": "secret"}
	})

	out, err := a.Invoke(context.Background(), "6*7")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": float64(42)}, out)

	got := <-gotCh
	assert.Equal(t, "calc", got.Agent)
	assert.Equal(t, "6*7", got.Input)
}

func TestHTTPAgent_SSEDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {\"text\":\"hel\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: delta\ndata: {\"text\":\"lo\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer srv.Close()

	out, err := NewHTTP(srv.URL).Invoke(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestHTTPAgent_SSEDoneOutputWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, "event: delta\ndata: {\"text\":\"draft\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"output\":\"final\"}\n\n")
	}))
	defer srv.Close()

	out, err := NewHTTP(srv.URL).Invoke(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "final", out)
}

func TestHTTPAgent_SSEError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"message\":\"quota exceeded\"}\n\n")
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Invoke(context.Background(), "x")
	require.ErrorIs(t, err, ErrRemoteAgent)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestHTTPAgent_StreamWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {\"text\":\"cut\"}\n\n")
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Invoke(context.Background(), "x")
	require.Error(t, err)
}

func TestHTTPAgent_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Invoke(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPAgent_ReplyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"bad input"}`))
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Invoke(context.Background(), "x")
	require.ErrorIs(t, err, ErrRemoteAgent)
}

func TestHTTPAgent_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTP(srv.URL).Invoke(ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
