package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/modelcost"
	"github.com/tokengate/tokengate/pkg/api"
)

// billingTimeout bounds the post-relay decrement, which runs on its own
// context because the caller's may already be gone.
const billingTimeout = 10 * time.Second

// HandleProxyChat forwards a chat request upstream under the account
// owner's credential, billing the model's token cost after the upstream
// exchange completes.
func (h *Handler) HandleProxyChat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", api.ErrValidation))
		return
	}
	h.proxy(w, r, &req, "chat")
}

// HandleProxyCompletions serves the legacy completions shape by mapping
// the prompt onto a single user message.
func (h *Handler) HandleProxyCompletions(w http.ResponseWriter, r *http.Request) {
	var req api.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", api.ErrValidation))
		return
	}
	chatReq := &api.ChatRequest{
		Model:       req.Model,
		Messages:    []api.ChatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	h.proxy(w, r, chatReq, "completion")
}

func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, req *api.ChatRequest, requestType string) {
	ctx := r.Context()
	device := identity.GetDevice(ctx)
	if device == nil {
		writeUnauthorized(w)
		return
	}
	if device.Blocked {
		writeError(w, api.ErrBlocked)
		return
	}
	if req.Model == "" {
		writeError(w, fmt.Errorf("%w: model is required", api.ErrValidation))
		return
	}

	_, span := h.tracer.Start(ctx, "gateway.proxy")
	defer span.End()
	span.SetAttributes(
		attribute.String("device_id", device.ID),
		attribute.String("request_id", requestIDOf(ctx)),
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
	)

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	allowed, err := h.limiter.Allow(ctx, device.ID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, api.ErrorBody{Error: api.ErrorDetail{
			Code:    api.CodeRateLimited,
			Message: "rate limit exceeded",
		}})
		return
	}

	// Headroom check happens before any upstream traffic so an
	// exhausted device never consumes the owner's credential.
	cost := modelcost.Cost(req.Model)
	alloc, err := h.ledger.GetOrCreateAllocation(ctx, device.ID, api.CurrentMonth())
	if err != nil {
		writeError(w, err)
		return
	}
	if alloc.Remaining() < cost {
		writeError(w, &api.BudgetError{Remaining: alloc.Remaining()})
		return
	}

	account, err := h.accounts.GetAccount(ctx, device.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !account.Active {
		writeError(w, api.ErrAccountInactive)
		return
	}
	if account.UpstreamAPIKey == "" {
		writeError(w, api.ErrUpstreamAuth)
		return
	}

	if req.Stream {
		h.proxyStream(w, r, device, account.UpstreamAPIKey, req, requestType, cost)
		return
	}

	body, err := h.upstream.Chat(ctx, account.UpstreamAPIKey, req)
	if err != nil {
		writeError(w, err)
		return
	}

	// Bill only after the upstream exchange succeeded. A refusal here
	// means a concurrent spender won the race; the upstream work is
	// already done, so the response is still returned.
	if _, err := h.decrement(ctx, device, req.Model, requestType, cost); err != nil {
		log.Printf("gateway: post-completion billing failed for device %s: %v", device.ID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// proxyStream relays upstream SSE bytes to the caller as they arrive.
//
// Billing is at-least-once: the relay drains the upstream to completion
// even if the caller disconnects mid-stream, and the decrement lands
// after the drain. Usage is never billed before the relay.
func (h *Handler) proxyStream(w http.ResponseWriter, r *http.Request, device *identity.Device, apiKey string, req *api.ChatRequest, requestType string, cost int64) {
	// Detached from the request context: net/http cancels r.Context()
	// when the caller disconnects, which would abort the drain.
	ch, err := h.upstream.ChatStream(context.WithoutCancel(r.Context()), apiKey, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	callerGone := false
	for chunk := range ch {
		if chunk.Err != nil {
			log.Printf("gateway: upstream stream error for device %s: %v", device.ID, chunk.Err)
			break
		}
		if chunk.Done {
			break
		}
		if callerGone {
			continue // keep draining upstream
		}
		if _, err := w.Write(chunk.Data); err != nil {
			callerGone = true
			continue
		}
		flusher.Flush()
	}

	// The request context may already be canceled by a disconnecting
	// caller; billing must still land.
	billCtx, cancel := context.WithTimeout(context.Background(), billingTimeout)
	defer cancel()
	if _, err := h.decrement(billCtx, device, req.Model, requestType, cost); err != nil {
		if errors.Is(err, api.ErrInsufficientBudget) {
			log.Printf("gateway: post-stream billing refused for device %s: %v", device.ID, err)
		} else {
			log.Printf("gateway: post-stream billing failed for device %s: %v", device.ID, err)
		}
	}
}
