package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tokengate/tokengate/pkg/api"
)

// AdminOnly guards the ledger maintenance routes with a shared token.
// The admin dashboard that calls these lives outside this service.
func AdminOnly(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandleTransfer moves allocated tokens between devices for the current
// month, or mints tokens when from_device_id is empty.
func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	var req api.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", api.ErrValidation))
		return
	}
	if req.ToDeviceID == "" {
		writeError(w, fmt.Errorf("%w: to_device_id is required", api.ErrValidation))
		return
	}
	if req.Tokens <= 0 {
		writeError(w, fmt.Errorf("%w: tokens must be positive", api.ErrValidation))
		return
	}

	err := h.ledger.Transfer(r.Context(), req.Tokens, req.FromDeviceID, req.ToDeviceID, api.CurrentMonth())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleReset bulk-reinitializes every device's allocation for a month.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req api.ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", api.ErrValidation))
		return
	}
	if req.Month == "" {
		req.Month = api.CurrentMonth()
	}
	if req.DefaultTokens < 0 {
		writeError(w, fmt.Errorf("%w: default_tokens must not be negative", api.ErrValidation))
		return
	}

	if err := h.ledger.ResetAll(r.Context(), req.Month, req.DefaultTokens); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "month": req.Month})
}
