package sentinel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokengate/tokengate/pkg/hostapi"
)

// Gate vetoes or admits one model invocation. A nil return admits it.
type Gate func(ctx context.Context, modelID string) error

// Interceptor wraps every model handle the host registry exposes so each
// invocation passes through the gate first. Handles may appear at any
// time, so the interceptor rescans on registry change notifications and
// on a slow timer, wrapping each handle exactly once.
type Interceptor struct {
	registry hostapi.HandleRegistry
	gate     Gate
	logger   *zap.Logger

	mu      sync.Mutex
	wrapped map[hostapi.ModelHandle]struct{}

	cancelWatch func()
	stopTicker  context.CancelFunc
	done        chan struct{}
}

func NewInterceptor(registry hostapi.HandleRegistry, gate Gate, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		registry: registry,
		gate:     gate,
		logger:   logger,
		wrapped:  make(map[hostapi.ModelHandle]struct{}),
	}
}

// Scan wraps any handle not yet wrapped and returns how many it wrapped.
func (i *Interceptor) Scan() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	wrapped := 0
	for _, handle := range i.registry.Handles() {
		if _, seen := i.wrapped[handle]; seen {
			continue
		}
		i.wrap(handle)
		i.wrapped[handle] = struct{}{}
		wrapped++
	}
	if wrapped > 0 {
		i.logger.Info("wrapped model handles", zap.Int("count", wrapped))
	}
	return wrapped
}

func (i *Interceptor) wrap(handle hostapi.ModelHandle) {
	inner := handle.Invoker()
	modelID := handle.ModelID()
	handle.SetInvoker(func(ctx context.Context, prompt string) (string, error) {
		if err := i.gate(ctx, modelID); err != nil {
			return "", err
		}
		return inner(ctx, prompt)
	})
}

// Watch scans immediately, then keeps scanning on registry changes and
// on a periodic rescan until the context is canceled or Stop is called.
func (i *Interceptor) Watch(ctx context.Context, rescanInterval time.Duration) {
	i.Scan()

	i.cancelWatch = i.registry.OnChange(func() {
		i.Scan()
	})

	ctx, i.stopTicker = context.WithCancel(ctx)
	i.done = make(chan struct{})
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.Scan()
			}
		}
	}()
}

// Stop tears down the change subscription and the rescan timer.
func (i *Interceptor) Stop() {
	if i.cancelWatch != nil {
		i.cancelWatch()
		i.cancelWatch = nil
	}
	if i.stopTicker != nil {
		i.stopTicker()
		<-i.done
		i.stopTicker = nil
	}
}
