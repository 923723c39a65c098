package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tokengate/tokengate/pkg/api"
)

func TestChat_ReturnsBodyUnchanged(t *testing.T) {
	const upstreamBody = `{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"total_tokens":7}}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer owner-key" {
			t.Errorf("Expected owner credential, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, upstreamBody)
	}))
	defer server.Close()

	c := New(server.URL)
	body, err := c.Chat(context.Background(), "owner-key", &api.ChatRequest{
		Model:    "gpt-4o",
		Messages: []api.ChatMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if string(body) != upstreamBody {
		t.Errorf("Body was altered:\n got %s\nwant %s", body, upstreamBody)
	}
}

func TestChat_UpstreamAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(server.URL)
	_, err := c.Chat(context.Background(), "stale-key", &api.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, api.ErrUpstreamAuth) {
		t.Fatalf("Expected upstream auth error, got %v", err)
	}
}

func TestChat_NetworkErrorIsTransient(t *testing.T) {
	c := New("http://127.0.0.1:1") // nothing listening
	_, err := c.Chat(context.Background(), "key", &api.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, api.ErrTransientNetwork) {
		t.Fatalf("Expected transient network error, got %v", err)
	}
}

func TestChatStream_RelaysRawChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("Expected stream=true to be forced upstream")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, word := range []string{"Hello", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"}}]}\n\n", word)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := New(server.URL)
	ch, err := c.ChatStream(context.Background(), "owner-key", &api.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	var relayed strings.Builder
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Unexpected chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		relayed.Write(chunk.Data)
	}

	if !done {
		t.Error("Expected a done chunk at EOF")
	}
	body := relayed.String()
	if !strings.Contains(body, `"content":"Hello"`) || !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Relayed bytes missing expected frames: %s", body)
	}
}

func TestChatStream_AuthFailureBeforeRelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer server.Close()

	c := New(server.URL)
	_, err := c.ChatStream(context.Background(), "stale-key", &api.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, api.ErrUpstreamAuth) {
		t.Fatalf("Expected upstream auth error, got %v", err)
	}
}
