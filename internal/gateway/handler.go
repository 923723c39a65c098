// Package gateway implements the device-facing HTTP surface: redemption,
// balance and usage operations, and the billing proxy in front of the
// upstream inference endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/modelcost"
	"github.com/tokengate/tokengate/internal/upstream"
	"github.com/tokengate/tokengate/pkg/api"
	"github.com/tokengate/tokengate/pkg/ratelimit"
)

type Handler struct {
	identity *identity.Service
	accounts identity.Store
	ledger   ledger.Store
	upstream *upstream.Client
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
}

func NewHandler(
	identitySvc *identity.Service,
	accounts identity.Store,
	ledgerStore ledger.Store,
	upstreamClient *upstream.Client,
	limiter *ratelimit.Limiter,
	tracer trace.Tracer,
) *Handler {
	return &Handler{
		identity: identitySvc,
		accounts: accounts,
		ledger:   ledgerStore,
		upstream: upstreamClient,
		limiter:  limiter,
		tracer:   tracer,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto the wire envelope.
func writeError(w http.ResponseWriter, err error) {
	var be *api.BudgetError
	if errors.As(err, &be) {
		remaining := be.Remaining
		writeJSON(w, http.StatusPaymentRequired, api.ErrorBody{Error: api.ErrorDetail{
			Code:      api.CodeInsufficientBudget,
			Message:   be.Error(),
			Remaining: &remaining,
		}})
		return
	}

	code := api.CodeFor(err)
	status := http.StatusInternalServerError
	msg := "internal server error"
	switch code {
	case api.CodeValidation:
		status = http.StatusBadRequest
		msg = err.Error()
	case api.CodeNotFound:
		status = http.StatusNotFound
		msg = err.Error()
	case api.CodeExpiredOrConsumed:
		status = http.StatusGone
		msg = err.Error()
	case api.CodeAccountInactive:
		status = http.StatusForbidden
		msg = err.Error()
	case api.CodeInsufficientBudget:
		status = http.StatusPaymentRequired
		msg = err.Error()
	case api.CodeBlocked:
		status = http.StatusForbidden
		msg = err.Error()
	case api.CodeUpstreamAuth:
		status = http.StatusBadGateway
		msg = err.Error()
	case "":
		log.Printf("gateway: internal error: %v", err)
	}
	writeJSON(w, status, api.ErrorBody{Error: api.ErrorDetail{Code: code, Message: msg}})
}

func balanceOf(alloc *ledger.Allocation, blocked bool) api.Balance {
	return api.Balance{
		Allocated: alloc.Allocated,
		Used:      alloc.Used,
		Remaining: alloc.Remaining(),
		Month:     alloc.Month,
		IsBlocked: blocked,
	}
}

// HandleRedeem is the one unauthenticated operation: it trades a
// single-use key for a device identity and bearer credential.
func (h *Handler) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	var req api.RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", api.ErrValidation))
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "gateway.redeem")
	defer span.End()

	device, token, alloc, err := h.identity.Redeem(ctx, req.Key, req.DeviceName, req.Fingerprint)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, api.RedeemResponse{
		DeviceID: device.ID,
		Token:    token,
		Balance:  balanceOf(alloc, device.Blocked),
	})
}

// HandleBalance is read-only; it never mutates the ledger.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	device := identity.GetDevice(r.Context())
	if device == nil {
		writeUnauthorized(w)
		return
	}

	alloc, err := h.ledger.GetOrCreateAllocation(r.Context(), device.ID, api.CurrentMonth())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceOf(alloc, device.Blocked))
}

// HandleLogUsage bills one client-detected usage signal.
func (h *Handler) HandleLogUsage(w http.ResponseWriter, r *http.Request) {
	device := identity.GetDevice(r.Context())
	if device == nil {
		writeUnauthorized(w)
		return
	}
	if device.Blocked {
		writeError(w, api.ErrBlocked)
		return
	}
	// Deactivation freezes the account's ledgers, so the check has to
	// happen before any decrement, not just on the proxy path.
	if err := h.requireActiveAccount(r.Context(), device.AccountID); err != nil {
		writeError(w, err)
		return
	}

	var req api.LogUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", api.ErrValidation))
		return
	}
	if req.Model == "" {
		writeError(w, fmt.Errorf("%w: model is required", api.ErrValidation))
		return
	}
	if req.RequestType == "" {
		req.RequestType = "chat"
	}

	ctx, span := h.tracer.Start(r.Context(), "gateway.log_usage")
	defer span.End()
	span.SetAttributes(
		attribute.String("device_id", device.ID),
		attribute.String("model", req.Model),
	)

	cost := modelcost.Cost(req.Model)
	alloc, err := h.decrement(ctx, device, req.Model, req.RequestType, cost)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, api.LogUsageResponse{
		Accepted: true,
		Cost:     cost,
		Balance:  balanceOf(alloc, device.Blocked),
	})
}

// HandleCheck answers whether a usage of the given model would be
// accepted right now. Read-only.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	device := identity.GetDevice(r.Context())
	if device == nil {
		writeUnauthorized(w)
		return
	}

	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(w, fmt.Errorf("%w: model query parameter is required", api.ErrValidation))
		return
	}
	if err := h.requireActiveAccount(r.Context(), device.AccountID); err != nil {
		writeError(w, err)
		return
	}

	alloc, err := h.ledger.GetOrCreateAllocation(r.Context(), device.ID, api.CurrentMonth())
	if err != nil {
		writeError(w, err)
		return
	}

	cost := modelcost.Cost(model)
	writeJSON(w, http.StatusOK, api.CheckResponse{
		CanUse:  !device.Blocked && alloc.Remaining() >= cost,
		Cost:    cost,
		Balance: balanceOf(alloc, device.Blocked),
	})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	device := identity.GetDevice(r.Context())
	if device == nil {
		writeUnauthorized(w)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, fmt.Errorf("%w: limit must be in 1..500", api.ErrValidation))
			return
		}
		limit = n
	}

	events, err := h.ledger.History(r.Context(), device.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := api.HistoryResponse{Events: make([]api.HistoryEntry, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, api.HistoryEntry{
			Model:       ev.Model,
			RequestType: ev.RequestType,
			Cost:        ev.Cost,
			CreatedAt:   ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, api.ErrorBody{Error: api.ErrorDetail{
		Code:    "unauthorized",
		Message: "unauthorized",
	}})
}

// requireActiveAccount rejects usage from devices whose account has been
// deactivated.
func (h *Handler) requireActiveAccount(ctx context.Context, accountID string) error {
	account, err := h.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return api.ErrAccountInactive
	}
	return nil
}

// decrement commits a usage against the ledger and updates the counters.
func (h *Handler) decrement(ctx context.Context, device *identity.Device, model, requestType string, cost int64) (*ledger.Allocation, error) {
	ev := &ledger.UsageEvent{
		AccountID:   device.AccountID,
		Model:       model,
		RequestType: requestType,
		Cost:        cost,
	}
	alloc, err := h.ledger.Decrement(ctx, device.ID, api.CurrentMonth(), ev)
	switch {
	case err == nil:
		metrics.UsageDecrementsTotal.WithLabelValues("accepted").Inc()
		metrics.TokensBilledTotal.WithLabelValues(requestType).Add(float64(cost))
	case errors.Is(err, api.ErrInsufficientBudget):
		metrics.UsageDecrementsTotal.WithLabelValues("refused").Inc()
	default:
		metrics.UsageDecrementsTotal.WithLabelValues("error").Inc()
	}
	return alloc, err
}

// requestIDOf returns the middleware's request id, minting one for
// spans created outside the authenticated path.
func requestIDOf(ctx context.Context) string {
	if id := identity.GetRequestID(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}
