// Package enforce flips the host editor's suggestion feature flag in
// response to block-state transitions, preserving the user's own
// setting across a block.
package enforce

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tokengate/tokengate/pkg/hostapi"
)

type State int

const (
	Unblocked State = iota
	Blocked
)

func (s State) String() string {
	if s == Blocked {
		return "blocked"
	}
	return "unblocked"
}

// Controller is the two-state enforcement machine. It starts Unblocked.
// Evaluate is called from both the reconciler's sync goroutine and the
// usage-detection paths, so transitions are serialized under a mutex.
type Controller struct {
	settings hostapi.SettingsStore
	flagKey  string
	logger   *zap.Logger

	mu    sync.Mutex
	state State
	// prior holds the user's flag value captured on entering Blocked;
	// nil when nothing is captured.
	prior *bool
}

func NewController(settings hostapi.SettingsStore, flagKey string, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		settings: settings,
		flagKey:  flagKey,
		logger:   logger,
		state:    Unblocked,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Evaluate drives the machine from the current ledger view: blocked when
// admin-blocked or the budget is exhausted, unblocked when neither holds.
func (c *Controller) Evaluate(adminBlocked bool, remaining int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	desired := Unblocked
	if adminBlocked || remaining <= 0 {
		desired = Blocked
	}
	if desired == c.state {
		return nil
	}

	if desired == Blocked {
		return c.enterBlocked()
	}
	return c.leaveBlocked()
}

func (c *Controller) enterBlocked() error {
	// Capture the user's setting once; repeated blocks must not
	// overwrite the original value with our own "false".
	if c.prior == nil {
		v, err := c.settings.GetBool(c.flagKey)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", c.flagKey, err)
		}
		c.prior = &v
	}
	if err := c.settings.SetBool(c.flagKey, false); err != nil {
		return fmt.Errorf("failed to disable %s: %w", c.flagKey, err)
	}
	c.state = Blocked
	c.logger.Info("enforcement engaged", zap.String("flag", c.flagKey))
	return nil
}

func (c *Controller) leaveBlocked() error {
	if c.prior != nil {
		// Restore exactly what the user had, which may itself be false.
		if err := c.settings.SetBool(c.flagKey, *c.prior); err != nil {
			return fmt.Errorf("failed to restore %s: %w", c.flagKey, err)
		}
		c.prior = nil
	}
	c.state = Unblocked
	c.logger.Info("enforcement released", zap.String("flag", c.flagKey))
	return nil
}
