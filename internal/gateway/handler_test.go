package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/upstream"
	"github.com/tokengate/tokengate/pkg/api"
	"github.com/tokengate/tokengate/pkg/ratelimit"
)

// fakeAccounts implements identity.Store with just enough behavior for
// handler tests; only accounts are consulted here.
type fakeAccounts struct {
	accounts map[string]*identity.Account
}

func (f *fakeAccounts) GetAccount(_ context.Context, id string) (*identity.Account, error) {
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, api.ErrNotFound
}

func (f *fakeAccounts) GetKeyByCode(context.Context, string) (*identity.RedemptionKey, error) {
	return nil, api.ErrNotFound
}
func (f *fakeAccounts) ConsumeKey(context.Context, string, string) error  { return nil }
func (f *fakeAccounts) CreateKey(context.Context, *identity.RedemptionKey) error { return nil }
func (f *fakeAccounts) CreateAccount(context.Context, *identity.Account) error   { return nil }
func (f *fakeAccounts) GetDeviceByFingerprint(context.Context, string) (*identity.Device, error) {
	return nil, identity.ErrDeviceNotFound
}
func (f *fakeAccounts) GetDeviceByTokenHash(context.Context, string) (*identity.Device, error) {
	return nil, identity.ErrDeviceNotFound
}
func (f *fakeAccounts) CreateDevice(context.Context, *identity.Device) error { return nil }
func (f *fakeAccounts) DeleteDevice(context.Context, string) error           { return nil }
func (f *fakeAccounts) UpdateDeviceToken(context.Context, string, string) error {
	return nil
}
func (f *fakeAccounts) TouchDevice(context.Context, string) error { return nil }
func (f *fakeAccounts) CountDevices(context.Context, string) (int, error) {
	return 0, nil
}

type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type testEnv struct {
	handler  *Handler
	ledger   *ledger.MemoryStore
	device   *identity.Device
	accounts *fakeAccounts
}

func setupTest(t *testing.T, upstreamURL string, limiterAllowed bool) *testEnv {
	t.Helper()
	ledgerStore := ledger.NewMemoryStore(0)
	accounts := &fakeAccounts{accounts: map[string]*identity.Account{
		"acct-1": {ID: "acct-1", Name: "Acme", Active: true, UpstreamAPIKey: "owner-key"},
	}}
	identitySvc := identity.NewService(accounts, ledgerStore)
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	h := NewHandler(identitySvc, accounts, ledgerStore, upstream.New(upstreamURL), limiter, tracer)
	device := &identity.Device{ID: "dev-1", AccountID: "acct-1", Name: "laptop", Fingerprint: "fp-1"}
	return &testEnv{handler: h, ledger: ledgerStore, device: device, accounts: accounts}
}

func (e *testEnv) grant(t *testing.T, tokens int64) {
	t.Helper()
	if err := e.ledger.Transfer(context.Background(), tokens, "", e.device.ID, api.CurrentMonth()); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) authedRequest(method, target string, body interface{}) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	return req.WithContext(identity.WithDevice(req.Context(), e.device))
}

func (e *testEnv) logUsage(t *testing.T, model, requestType string) (*httptest.ResponseRecorder, api.LogUsageResponse) {
	t.Helper()
	req := e.authedRequest("POST", "/v1/usage", api.LogUsageRequest{Model: model, RequestType: requestType})
	w := httptest.NewRecorder()
	e.handler.HandleLogUsage(w, req)

	var resp api.LogUsageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestLogUsage_EndToEndBudgetWalk(t *testing.T) {
	env := setupTest(t, "http://unused", true)
	env.grant(t, 50)

	// Premium chat: 50 -> 47.
	w, resp := env.logUsage(t, "claude-opus-4.5", "chat")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Cost != 3 || resp.Balance.Remaining != 47 {
		t.Fatalf("Expected cost 3 remaining 47, got cost %d remaining %d", resp.Cost, resp.Balance.Remaining)
	}

	// Free completion: remaining unchanged.
	w, resp = env.logUsage(t, "gpt-5-mini", "completion")
	if w.Code != http.StatusOK || resp.Cost != 0 || resp.Balance.Remaining != 47 {
		t.Fatalf("Expected free usage to keep remaining 47, got code %d cost %d remaining %d",
			w.Code, resp.Cost, resp.Balance.Remaining)
	}

	// 45 standard completions: 47 -> 2.
	for i := 0; i < 45; i++ {
		w, resp = env.logUsage(t, "gpt-4", "completion")
		if w.Code != http.StatusOK {
			t.Fatalf("completion %d refused: %s", i, w.Body.String())
		}
	}
	if resp.Balance.Remaining != 2 {
		t.Fatalf("Expected remaining 2, got %d", resp.Balance.Remaining)
	}

	// One more standard: 2 -> 1.
	w, resp = env.logUsage(t, "gpt-4", "completion")
	if w.Code != http.StatusOK || resp.Balance.Remaining != 1 {
		t.Fatalf("Expected remaining 1, got code %d remaining %d", w.Code, resp.Balance.Remaining)
	}

	// Premium no longer fits; remaining must stay 1.
	w, _ = env.logUsage(t, "claude-opus-4.5", "chat")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d: %s", w.Code, w.Body.String())
	}
	var errBody api.ErrorBody
	_ = json.Unmarshal(w.Body.Bytes(), &errBody)
	if errBody.Error.Code != api.CodeInsufficientBudget {
		t.Errorf("Expected %s, got %s", api.CodeInsufficientBudget, errBody.Error.Code)
	}
	if errBody.Error.Remaining == nil || *errBody.Error.Remaining != 1 {
		t.Errorf("Expected remaining 1 in error, got %v", errBody.Error.Remaining)
	}
}

func TestLogUsage_BlockedDevice(t *testing.T) {
	env := setupTest(t, "http://unused", true)
	env.grant(t, 50)
	env.device.Blocked = true

	w, _ := env.logUsage(t, "gpt-4", "chat")
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for blocked device, got %d", w.Code)
	}
}

// Deactivating an account freezes its devices' ledgers: usage logging
// and check-can-use must both refuse, and nothing may be billed.
func TestLogUsage_InactiveAccountFrozen(t *testing.T) {
	env := setupTest(t, "http://unused", true)
	env.grant(t, 50)
	env.accounts.accounts["acct-1"].Active = false

	w, _ := env.logUsage(t, "gpt-4", "chat")
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for inactive account, got %d: %s", w.Code, w.Body.String())
	}
	var errBody api.ErrorBody
	_ = json.Unmarshal(w.Body.Bytes(), &errBody)
	if errBody.Error.Code != api.CodeAccountInactive {
		t.Errorf("Expected %s, got %s", api.CodeAccountInactive, errBody.Error.Code)
	}

	alloc, _ := env.ledger.GetOrCreateAllocation(context.Background(), env.device.ID, api.CurrentMonth())
	if alloc.Used != 0 {
		t.Errorf("Frozen account was billed: used = %d", alloc.Used)
	}

	req := env.authedRequest("GET", "/v1/usage/check?model=gpt-4", nil)
	w = httptest.NewRecorder()
	env.handler.HandleCheck(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 from check for inactive account, got %d", w.Code)
	}
}

func TestLogUsage_Unauthorized(t *testing.T) {
	env := setupTest(t, "http://unused", true)
	req := httptest.NewRequest("POST", "/v1/usage", strings.NewReader(`{"model":"gpt-4"}`))
	w := httptest.NewRecorder()
	env.handler.HandleLogUsage(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
}

func TestBalance_ReadOnly(t *testing.T) {
	env := setupTest(t, "http://unused", true)
	env.grant(t, 30)

	for i := 0; i < 3; i++ {
		req := env.authedRequest("GET", "/v1/balance", nil)
		w := httptest.NewRecorder()
		env.handler.HandleBalance(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var b api.Balance
		_ = json.Unmarshal(w.Body.Bytes(), &b)
		if b.Allocated != 30 || b.Used != 0 || b.Remaining != 30 {
			t.Fatalf("Balance read mutated state: %+v", b)
		}
		if b.Month != api.CurrentMonth() {
			t.Errorf("Expected month %s, got %s", api.CurrentMonth(), b.Month)
		}
	}
}

func TestCheck_DoesNotMutate(t *testing.T) {
	env := setupTest(t, "http://unused", true)
	env.grant(t, 2)

	req := env.authedRequest("GET", "/v1/usage/check?model=claude-opus-4.5", nil)
	w := httptest.NewRecorder()
	env.handler.HandleCheck(w, req)

	var resp api.CheckResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.CanUse {
		t.Error("Expected can_use false with remaining 2 against cost 3")
	}
	if resp.Cost != 3 {
		t.Errorf("Expected cost 3, got %d", resp.Cost)
	}
	if resp.Balance.Used != 0 {
		t.Errorf("Check mutated the ledger: used %d", resp.Balance.Used)
	}
}

func TestHistory(t *testing.T) {
	env := setupTest(t, "http://unused", true)
	env.grant(t, 50)
	env.logUsage(t, "gpt-4", "chat")
	env.logUsage(t, "claude-opus-4.5", "chat")

	req := env.authedRequest("GET", "/v1/history?limit=10", nil)
	w := httptest.NewRecorder()
	env.handler.HandleHistory(w, req)

	var resp api.HistoryResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(resp.Events))
	}
	if resp.Events[0].Model != "claude-opus-4.5" {
		t.Errorf("Expected newest first, got %s", resp.Events[0].Model)
	}
}

func TestProxyChat_Success(t *testing.T) {
	const upstreamBody = `{"id":"cmpl-9","choices":[{"message":{"role":"assistant","content":"hello"}}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer owner-key" {
			t.Errorf("Expected owner credential upstream, got %q", got)
		}
		fmt.Fprint(w, upstreamBody)
	}))
	defer server.Close()

	env := setupTest(t, server.URL, true)
	env.grant(t, 10)

	req := env.authedRequest("POST", "/v1/chat/completions", api.ChatRequest{
		Model:    "gpt-4o",
		Messages: []api.ChatMessage{{Role: "user", Content: "hi"}},
	})
	w := httptest.NewRecorder()
	env.handler.HandleProxyChat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.TrimSpace(w.Body.String()) != upstreamBody {
		t.Errorf("Body altered in relay: %s", w.Body.String())
	}

	alloc, _ := env.ledger.GetOrCreateAllocation(context.Background(), env.device.ID, api.CurrentMonth())
	if alloc.Used != 1 {
		t.Errorf("Expected 1 token billed, got %d", alloc.Used)
	}
}

func TestProxyChat_InsufficientBudgetSkipsUpstream(t *testing.T) {
	upstreamCalled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
	}))
	defer server.Close()

	env := setupTest(t, server.URL, true)
	env.grant(t, 2)

	req := env.authedRequest("POST", "/v1/chat/completions", api.ChatRequest{Model: "claude-opus-4.5"})
	w := httptest.NewRecorder()
	env.handler.HandleProxyChat(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d", w.Code)
	}
	if upstreamCalled {
		t.Error("Upstream must not be contacted without headroom")
	}
}

func TestProxyChat_UpstreamAuthFailureNotBilled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	env := setupTest(t, server.URL, true)
	env.grant(t, 10)

	req := env.authedRequest("POST", "/v1/chat/completions", api.ChatRequest{Model: "gpt-4o"})
	w := httptest.NewRecorder()
	env.handler.HandleProxyChat(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}
	var errBody api.ErrorBody
	_ = json.Unmarshal(w.Body.Bytes(), &errBody)
	if errBody.Error.Code != api.CodeUpstreamAuth {
		t.Errorf("Expected %s, got %s", api.CodeUpstreamAuth, errBody.Error.Code)
	}

	alloc, _ := env.ledger.GetOrCreateAllocation(context.Background(), env.device.ID, api.CurrentMonth())
	if alloc.Used != 0 {
		t.Errorf("Auth failure must not bill; used = %d", alloc.Used)
	}
}

func TestProxyChat_RateLimited(t *testing.T) {
	env := setupTest(t, "http://unused", false)
	env.grant(t, 10)

	req := env.authedRequest("POST", "/v1/chat/completions", api.ChatRequest{Model: "gpt-4o"})
	w := httptest.NewRecorder()
	env.handler.HandleProxyChat(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60s" {
		t.Errorf("Expected Retry-After header, got %q", w.Header().Get("Retry-After"))
	}
}

func TestProxyChat_StreamRelaysAndBillsAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, word := range []string{"one", "two"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"}}]}\n\n", word)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	env := setupTest(t, server.URL, true)
	env.grant(t, 10)

	req := env.authedRequest("POST", "/v1/chat/completions", api.ChatRequest{
		Model:  "claude-opus-4.5",
		Stream: true,
	})
	w := httptest.NewRecorder()
	env.handler.HandleProxyChat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected SSE content type, got %s", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"content":"one"`) || !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Relay incomplete: %s", body)
	}

	alloc, _ := env.ledger.GetOrCreateAllocation(context.Background(), env.device.ID, api.CurrentMonth())
	if alloc.Used != 3 {
		t.Errorf("Expected 3 tokens billed after relay, got %d", alloc.Used)
	}
}

func TestProxyCompletions_MapsPromptToChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Messages[0].Content != "say hi" {
			t.Errorf("Expected prompt mapped to user message, got %+v", req.Messages)
		}
		fmt.Fprint(w, `{"id":"cmpl-1"}`)
	}))
	defer server.Close()

	env := setupTest(t, server.URL, true)
	env.grant(t, 10)

	req := env.authedRequest("POST", "/v1/completions", api.CompletionRequest{
		Model:  "gpt-4",
		Prompt: "say hi",
	})
	w := httptest.NewRecorder()
	env.handler.HandleProxyCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminTransferAndReset(t *testing.T) {
	env := setupTest(t, "http://unused", true)
	env.grant(t, 40)

	body, _ := json.Marshal(api.TransferRequest{Tokens: 15, FromDeviceID: env.device.ID, ToDeviceID: "dev-2"})
	req := httptest.NewRequest("POST", "/v1/admin/transfer", bytes.NewReader(body))
	w := httptest.NewRecorder()
	env.handler.HandleTransfer(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("transfer: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	from, _ := env.ledger.GetOrCreateAllocation(context.Background(), env.device.ID, api.CurrentMonth())
	to, _ := env.ledger.GetOrCreateAllocation(context.Background(), "dev-2", api.CurrentMonth())
	if from.Allocated != 25 || to.Allocated != 15 {
		t.Errorf("Expected 25/15 after transfer, got %d/%d", from.Allocated, to.Allocated)
	}

	body, _ = json.Marshal(api.ResetRequest{Month: api.CurrentMonth(), DefaultTokens: 100})
	req = httptest.NewRequest("POST", "/v1/admin/reset", bytes.NewReader(body))
	w = httptest.NewRecorder()
	env.handler.HandleReset(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", w.Code)
	}
	after, _ := env.ledger.GetOrCreateAllocation(context.Background(), env.device.ID, api.CurrentMonth())
	if after.Allocated != 100 || after.Used != 0 {
		t.Errorf("Expected 100/0 after reset, got %d/%d", after.Allocated, after.Used)
	}
}

func TestAdminOnly(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	guard := AdminOnly("secret")(next)

	req := httptest.NewRequest("POST", "/v1/admin/reset", nil)
	w := httptest.NewRecorder()
	guard.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/v1/admin/reset", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w = httptest.NewRecorder()
	guard.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 with token, got %d", w.Code)
	}
}

// A caller that disconnects mid-stream must not abort the upstream
// drain: net/http cancels the request context, but the relay runs on a
// detached one, finishes the upstream read, and still bills.
func TestProxyChat_StreamDrainsAndBillsDespiteCanceledCaller(t *testing.T) {
	upstreamDone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	env := setupTest(t, server.URL, true)
	env.grant(t, 10)

	req := env.authedRequest("POST", "/v1/chat/completions", api.ChatRequest{Model: "gpt-4o", Stream: true})
	ctx, cancel := context.WithCancel(req.Context())
	cancel() // caller already gone
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	env.handler.HandleProxyChat(w, req)

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Upstream was never drained to completion")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		alloc, _ := env.ledger.GetOrCreateAllocation(context.Background(), env.device.ID, api.CurrentMonth())
		if alloc.Used == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 token billed after stream, got %d", alloc.Used)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
