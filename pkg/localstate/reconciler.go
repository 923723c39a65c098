package localstate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tokengate/tokengate/pkg/api"
)

// BalanceFetcher is the slice of the server client the reconciler needs.
type BalanceFetcher interface {
	Balance(ctx context.Context) (*api.Balance, error)
}

// Reconciler periodically replaces the local snapshot with server truth.
// Server wins unconditionally: drift accrued on either side between
// syncs is resolved by adoption, not by merging counts.
type Reconciler struct {
	cache    *Cache
	client   BalanceFetcher
	interval time.Duration
	logger   *zap.Logger
	onChange func(State)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconciler(cache *Cache, client BalanceFetcher, interval time.Duration, logger *zap.Logger, onChange func(State)) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reconciler{
		cache:    cache,
		client:   client,
		interval: interval,
		logger:   logger,
		onChange: onChange,
	}
}

// Start launches the periodic sync. Call Stop (or cancel the parent
// context) to tear the timer down; the component must not leak work
// after deactivation.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SyncNow(ctx)
			}
		}
	}()
}

// Stop cancels the periodic sync and waits for the loop to exit.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}

// SyncNow performs one on-demand sync. Transient failures leave the
// speculative local state in place for the next attempt.
func (r *Reconciler) SyncNow(ctx context.Context) {
	if _, ok := r.cache.Current(); !ok {
		return
	}

	balance, err := r.client.Balance(ctx)
	if err != nil {
		if errors.Is(err, api.ErrTransientNetwork) || errors.Is(err, context.Canceled) {
			r.logger.Debug("sync skipped, server unreachable", zap.Error(err))
			return
		}
		if errors.Is(err, api.ErrBlocked) || errors.Is(err, api.ErrAccountInactive) {
			// A server verdict is authoritative even outside the
			// normal snapshot path.
			_ = r.cache.MarkBlocked()
			r.notify()
			return
		}
		r.logger.Warn("sync failed", zap.Error(err))
		return
	}

	if err := r.cache.ApplyServer(*balance); err != nil {
		r.logger.Warn("failed to persist synced state", zap.Error(err))
		return
	}
	r.notify()
}

func (r *Reconciler) notify() {
	if r.onChange == nil {
		return
	}
	if st, ok := r.cache.Current(); ok {
		r.onChange(st)
	}
}
