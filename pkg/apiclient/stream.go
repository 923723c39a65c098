package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/tokengate/tokengate/pkg/api"
)

// Delta is one increment of streamed assistant output.
type Delta struct {
	Content string
	Done    bool
	Err     error
}

// sseBuffer reassembles logical event lines from raw deliveries. A
// single upstream write may split a line across two reads, so bytes are
// buffered and only complete lines (terminated by '\n') are consumed.
type sseBuffer struct {
	buf []byte
}

// feed appends raw bytes and returns every complete line now available,
// without the trailing newline.
func (s *sseBuffer) feed(p []byte) []string {
	s.buf = append(s.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return lines
		}
		line := string(bytes.TrimRight(s.buf[:i], "\r"))
		s.buf = s.buf[i+1:]
		lines = append(lines, line)
	}
}

type streamPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// parseEventLine extracts the text delta from one complete line.
// Non-data lines and unparseable payloads yield ok=false; the stream
// must keep going, never abort on a bad line.
func parseEventLine(line string) (delta string, done, ok bool) {
	if !bytes.HasPrefix([]byte(line), []byte("data:")) {
		return "", false, false
	}
	payload := bytes.TrimSpace([]byte(line[len("data:"):]))
	if len(payload) == 0 {
		return "", false, false
	}
	if string(payload) == "[DONE]" {
		return "", true, true
	}

	var p streamPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false, false // silently skip malformed lines
	}
	if len(p.Choices) == 0 || p.Choices[0].Delta.Content == "" {
		return "", false, false
	}
	return p.Choices[0].Delta.Content, false, true
}

// ChatStream proxies a streaming chat request through the gateway and
// yields parsed text deltas. Canceling ctx aborts the read loop.
func (c *Client) ChatStream(ctx context.Context, req *api.ChatRequest) (<-chan Delta, error) {
	streamReq := *req
	streamReq.Stream = true
	body, err := json.Marshal(&streamReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrTransientNetwork, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan Delta)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var sse sseBuffer
		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, line := range sse.feed(buf[:n]) {
					delta, done, ok := parseEventLine(line)
					if !ok {
						continue
					}
					if done {
						select {
						case ch <- Delta{Done: true}:
						case <-ctx.Done():
						}
						return
					}
					select {
					case ch <- Delta{Content: delta}:
					case <-ctx.Done():
						return
					}
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					c.logger.Debug("stream read ended", zap.Error(readErr))
					select {
					case ch <- Delta{Err: fmt.Errorf("%w: %v", api.ErrTransientNetwork, readErr)}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- Delta{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return ch, nil
}
