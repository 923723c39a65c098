// Package sentinel is the client-side usage watchdog: it detects model
// usage through host signals, gates each use against the local ledger
// mirror, bills the server, and drives enforcement when the device runs
// out of budget or gets blocked.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokengate/tokengate/internal/modelcost"
	"github.com/tokengate/tokengate/pkg/api"
	"github.com/tokengate/tokengate/pkg/enforce"
	"github.com/tokengate/tokengate/pkg/hostapi"
	"github.com/tokengate/tokengate/pkg/localstate"
)

// ErrNotActivated means no redemption key has been redeemed on this
// device yet, so there is no identity to bill against.
var ErrNotActivated = errors.New("sentinel: no redeemed identity on this device")

// LedgerClient is the slice of the server client the sentinel needs.
// *apiclient.Client satisfies it.
type LedgerClient interface {
	Redeem(ctx context.Context, req *api.RedeemRequest) (*api.RedeemResponse, error)
	Balance(ctx context.Context) (*api.Balance, error)
	LogUsage(ctx context.Context, model, requestType string) (*api.LogUsageResponse, error)
}

// Sentinel ties the detection signals, the local cache, the server
// client, and the enforcement controller together.
type Sentinel struct {
	cfg      Config
	client   LedgerClient
	cache    *localstate.Cache
	enforcer *enforce.Controller
	logger   *zap.Logger

	interceptor *Interceptor
	reconciler  *localstate.Reconciler
	classifier  *diffClassifier
	cancelDocs  func()

	mu         sync.Mutex
	lastBilled time.Time
	now        func() time.Time
}

func New(cfg Config, client LedgerClient, cache *localstate.Cache, settings hostapi.SettingsStore, logger *zap.Logger) *Sentinel {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sentinel{
		cfg:        cfg,
		client:     client,
		cache:      cache,
		enforcer:   enforce.NewController(settings, cfg.SuggestionFlag, logger),
		logger:     logger,
		classifier: newDiffClassifier(cfg.KeystrokeWindow),
		now:        time.Now,
	}
	return s
}

// Start loads the persisted snapshot, wraps the host's model handles,
// subscribes to document changes, and begins periodic reconciliation.
func (s *Sentinel) Start(ctx context.Context, registry hostapi.HandleRegistry, docs hostapi.DocumentEvents) error {
	if err := s.cache.Load(); err != nil {
		return fmt.Errorf("failed to load local state: %w", err)
	}

	s.interceptor = NewInterceptor(registry, s.gate, s.logger)
	s.interceptor.Watch(ctx, s.cfg.RescanInterval)

	s.cancelDocs = docs.OnDidChange(s.handleDocumentChange)

	s.reconciler = localstate.NewReconciler(s.cache, s.client, s.cfg.SyncInterval, s.logger, func(st localstate.State) {
		s.evaluate(st.Balance)
	})
	s.reconciler.Start(ctx)
	s.reconciler.SyncNow(ctx)

	if st, ok := s.cache.Current(); ok {
		s.evaluate(st.Balance)
	}
	return nil
}

// Deactivate tears every signal down and wipes the local identity.
// Enforcement is released first so the user's setting is restored.
func (s *Sentinel) Deactivate() error {
	if s.reconciler != nil {
		s.reconciler.Stop()
		s.reconciler = nil
	}
	if s.interceptor != nil {
		s.interceptor.Stop()
		s.interceptor = nil
	}
	if s.cancelDocs != nil {
		s.cancelDocs()
		s.cancelDocs = nil
	}
	if err := s.enforcer.Evaluate(false, 1); err != nil {
		s.logger.Warn("failed to release enforcement", zap.Error(err))
	}
	return s.cache.Clear()
}

// Redeem activates the device: it consumes the key server-side and
// installs the returned identity and balance locally.
func (s *Sentinel) Redeem(ctx context.Context, key, deviceName, fingerprint string) error {
	resp, err := s.client.Redeem(ctx, &api.RedeemRequest{
		Key:         key,
		DeviceName:  deviceName,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return err
	}
	if err := s.cache.SetIdentity(resp.DeviceID, resp.Token, resp.Balance); err != nil {
		return err
	}
	s.evaluate(resp.Balance)
	return nil
}

// gate adapts HandleUsage to the interceptor's veto signature.
func (s *Sentinel) gate(ctx context.Context, modelID string) error {
	return s.HandleUsage(ctx, modelID, "chat")
}

// HandleUsage runs the full gating pipeline for one detected usage:
// debounce, local fast-fail, server billing, then enforcement. Transport
// failures charge the local mirror optimistically instead of blocking
// the user; server verdicts flip local state immediately.
func (s *Sentinel) HandleUsage(ctx context.Context, model, requestType string) error {
	now := s.now()
	s.mu.Lock()
	if now.Sub(s.lastBilled) < s.cfg.DebounceWindow {
		s.mu.Unlock()
		return nil
	}
	s.lastBilled = now
	s.mu.Unlock()

	st, ok := s.cache.Current()
	if !ok {
		return ErrNotActivated
	}

	cost := modelcost.Cost(model)

	if st.Balance.IsBlocked {
		s.evaluate(st.Balance)
		return api.ErrBlocked
	}
	if cost > 0 && st.Balance.Remaining < cost {
		s.evaluate(st.Balance)
		return &api.BudgetError{Remaining: st.Balance.Remaining}
	}

	resp, err := s.client.LogUsage(ctx, model, requestType)
	switch {
	case err == nil:
		if err := s.cache.ApplyServer(resp.Balance); err != nil {
			s.logger.Warn("failed to persist server balance", zap.Error(err))
		}
		s.evaluate(resp.Balance)
		return nil

	case errors.Is(err, api.ErrTransientNetwork):
		// Server unreachable: charge the mirror and let the usage
		// through. The next sync replaces the speculative count.
		s.logger.Debug("billing offline, charging local mirror", zap.String("model", model), zap.Error(err))
		if err := s.cache.ApplyLocal(cost); err != nil {
			s.logger.Warn("failed to persist local charge", zap.Error(err))
		}
		if st, ok := s.cache.Current(); ok {
			s.evaluate(st.Balance)
		}
		return nil

	case errors.Is(err, api.ErrBlocked), errors.Is(err, api.ErrAccountInactive), errors.Is(err, api.ErrInsufficientBudget):
		// Authoritative rejection: the local mirror was stale.
		if markErr := s.cache.MarkBlocked(); markErr != nil {
			s.logger.Warn("failed to mark local state blocked", zap.Error(markErr))
		}
		if st, ok := s.cache.Current(); ok {
			s.evaluate(st.Balance)
		}
		return err

	default:
		return err
	}
}

// handleDocumentChange bills insertions the classifier attributes to a
// model. The handle interceptor already knows the model; here only the
// configured fallback model can be billed.
func (s *Sentinel) handleDocumentChange(change hostapi.DocumentChange) {
	if !s.classifier.Classify(change) {
		return
	}
	if err := s.HandleUsage(context.Background(), s.cfg.FallbackModel, "completion"); err != nil {
		s.logger.Debug("document-change billing rejected", zap.Error(err))
	}
}

// BalanceSummary renders the current snapshot for a status surface.
func (s *Sentinel) BalanceSummary() string {
	st, ok := s.cache.Current()
	if !ok {
		return "No active subscription. Redeem a key to get started."
	}
	b := st.Balance
	if b.IsBlocked {
		return fmt.Sprintf("Usage blocked. %d of %d tokens used for %s.", b.Used, b.Allocated, b.Month)
	}
	return fmt.Sprintf("%d of %d tokens remaining for %s.", b.Remaining, b.Allocated, b.Month)
}

func (s *Sentinel) evaluate(b api.Balance) {
	if err := s.enforcer.Evaluate(b.IsBlocked, b.Remaining); err != nil {
		s.logger.Warn("enforcement transition failed", zap.Error(err))
	}
}

// EnforcementState exposes the controller's state for status surfaces.
func (s *Sentinel) EnforcementState() enforce.State {
	return s.enforcer.State()
}
