// Package upstream talks to the inference endpoint the gateway fronts.
// Requests are authenticated with the account owner's credential, which
// is supplied per call and never reaches the device.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tokengate/tokengate/pkg/api"
)

// Chunk is one raw delivery from the upstream stream. Bytes are relayed
// as received; the gateway never reassembles or parses SSE frames, that
// is the consumer's job.
type Chunk struct {
	Data []byte
	Done bool
	Err  error
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New creates an upstream client for an OpenAI-style chat endpoint.
func New(baseURL string) *Client {
	settings := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Bounds the whole exchange, including a slow stream.
			Timeout: 120 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *Client) newRequest(ctx context.Context, apiKey string, chatReq *api.ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", apiKey))
	return httpReq, nil
}

// Chat forwards a non-streaming chat request and returns the upstream
// response body unchanged.
func (c *Client) Chat(ctx context.Context, apiKey string, chatReq *api.ChatRequest) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req := *chatReq
		req.Stream = false
		httpReq, err := c.newRequest(ctx, apiKey, &req)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrTransientNetwork, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, api.ErrUpstreamAuth
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, string(respBody))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrTransientNetwork, err)
		}
		return json.RawMessage(body), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// ChatStream opens a streaming chat request and relays the response body
// as raw chunks. The read loop runs until upstream EOF or a read error,
// regardless of what the receiver does with the chunks.
func (c *Client) ChatStream(ctx context.Context, apiKey string, chatReq *api.ChatRequest) (<-chan Chunk, error) {
	if c.breaker.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("%w: upstream circuit breaker open", api.ErrTransientNetwork)
	}

	req := *chatReq
	req.Stream = true
	httpReq, err := c.newRequest(ctx, apiKey, &req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure(err)
		return nil, fmt.Errorf("%w: %v", api.ErrTransientNetwork, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, api.ErrUpstreamAuth
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		err := fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, string(respBody))
		c.recordFailure(err)
		return nil, err
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				ch <- Chunk{Data: data}
			}
			if err != nil {
				if err == io.EOF {
					ch <- Chunk{Done: true}
				} else {
					c.recordFailure(err)
					ch <- Chunk{Err: fmt.Errorf("%w: %v", api.ErrTransientNetwork, err)}
				}
				return
			}
		}
	}()

	return ch, nil
}

func (c *Client) recordFailure(err error) {
	_, _ = c.breaker.Execute(func() (interface{}, error) {
		return nil, err
	})
}
