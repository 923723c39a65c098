// Package apiclient is the device side of the wire contract: bearer-
// authenticated JSON calls with bounded timeouts and typed errors.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/tokengate/tokengate/pkg/api"
)

// Ledger calls get a short timeout, streaming a longer one. Both fail
// with a retryable network error rather than hanging.
const (
	ledgerTimeout = 12 * time.Second
	streamTimeout = 60 * time.Second
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	logger  *zap.Logger
}

func New(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: ledgerTimeout},
		stream:  &http.Client{Timeout: streamTimeout},
		logger:  logger,
	}
}

// SetToken swaps the bearer credential after a redemption.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", api.ErrTransientNetwork, err)
		}
	}
	return nil
}

// decodeError turns the wire envelope back into a typed domain error. A
// response that cannot be decoded counts as a transport failure, not a
// server verdict.
func decodeError(resp *http.Response) error {
	var body api.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Code == "" {
		return fmt.Errorf("%w: server returned status %d", api.ErrTransientNetwork, resp.StatusCode)
	}
	return api.ErrorFromCode(body.Error.Code, body.Error.Remaining)
}

func (c *Client) Redeem(ctx context.Context, req *api.RedeemRequest) (*api.RedeemResponse, error) {
	var resp api.RedeemResponse
	if err := c.do(ctx, "POST", "/v1/redeem", req, &resp); err != nil {
		return nil, err
	}
	c.token = resp.Token
	return &resp, nil
}

// Balance is read-only; it never mutates the ledger.
func (c *Client) Balance(ctx context.Context) (*api.Balance, error) {
	var resp api.Balance
	if err := c.do(ctx, "GET", "/v1/balance", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) LogUsage(ctx context.Context, model, requestType string) (*api.LogUsageResponse, error) {
	var resp api.LogUsageResponse
	req := api.LogUsageRequest{Model: model, RequestType: requestType}
	if err := c.do(ctx, "POST", "/v1/usage", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CheckCanUse(ctx context.Context, model string) (*api.CheckResponse, error) {
	var resp api.CheckResponse
	// Model ids can carry spaces and other reserved characters.
	path := "/v1/usage/check?model=" + url.QueryEscape(model)
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) History(ctx context.Context, limit int) (*api.HistoryResponse, error) {
	var resp api.HistoryResponse
	path := "/v1/history"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
