// Package api defines the device<->server wire contract: JSON types for
// every operation, the error taxonomy, and the month key format. Both the
// gateway handlers and the client library import it, so the two sides can
// never drift apart.
package api

import "time"

// MonthOf renders the allocation month key for a point in time, in UTC.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CurrentMonth is MonthOf(now).
func CurrentMonth() string {
	return MonthOf(time.Now())
}

// RedeemRequest consumes a single-use redemption key and binds this
// device to the key's account.
type RedeemRequest struct {
	Key         string `json:"key"`
	DeviceName  string `json:"device_name"`
	Fingerprint string `json:"fingerprint"`
}

type RedeemResponse struct {
	DeviceID string  `json:"device_id"`
	Token    string  `json:"token"` // bearer credential for all later calls
	Balance  Balance `json:"balance"`
}

// Balance is the allocation snapshot every mutating and read operation
// returns. Remaining is always allocated - used, computed server-side.
type Balance struct {
	Allocated int64  `json:"allocated"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Month     string `json:"month"`
	IsBlocked bool   `json:"is_blocked"`
}

// LogUsageRequest bills one detected usage against the device's month.
type LogUsageRequest struct {
	Model       string `json:"model"`
	RequestType string `json:"request_type"` // "chat" or "completion"
}

type LogUsageResponse struct {
	Accepted bool    `json:"accepted"`
	Cost     int64   `json:"cost"`
	Balance  Balance `json:"balance"`
}

// CheckResponse answers check-can-use; it never mutates the ledger.
type CheckResponse struct {
	CanUse  bool    `json:"can_use"`
	Cost    int64   `json:"cost"`
	Balance Balance `json:"balance"`
}

type HistoryEntry struct {
	Model       string    `json:"model"`
	RequestType string    `json:"request_type"`
	Cost        int64     `json:"cost"`
	CreatedAt   time.Time `json:"created_at"`
}

type HistoryResponse struct {
	Events []HistoryEntry `json:"events"`
}

// ChatMessage mirrors the OpenAI chat message shape the upstream accepts.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the proxy-chat body. The gateway resolves the model's
// token cost, gates it against the ledger, then forwards the request
// upstream under the account owner's credential.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// CompletionRequest is the legacy proxy-completions body; the gateway
// maps Prompt onto a single user chat message.
type CompletionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

// TransferRequest moves allocated tokens between devices. FromDeviceID
// empty means minting from the account budget rather than debiting a peer.
type TransferRequest struct {
	Tokens       int64  `json:"tokens"`
	FromDeviceID string `json:"from_device_id,omitempty"`
	ToDeviceID   string `json:"to_device_id"`
}

// ResetRequest reinitializes every device's allocation for a month.
type ResetRequest struct {
	Month         string `json:"month"`
	DefaultTokens int64  `json:"default_tokens"`
}
