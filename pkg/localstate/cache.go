// Package localstate mirrors the device's ledger state in the host's
// durable key-value store. Between server round-trips the mirror is
// speculative; every successful round-trip overwrites it wholesale with
// server truth.
package localstate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokengate/tokengate/pkg/api"
	"github.com/tokengate/tokengate/pkg/hostapi"
)

const stateKey = "tokengate/state"

// State is the persisted client snapshot.
type State struct {
	DeviceID  string      `json:"device_id"`
	Token     string      `json:"token"`
	Balance   api.Balance `json:"balance"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type Cache struct {
	kv     hostapi.KVStore
	logger *zap.Logger

	mu    sync.Mutex
	state *State
}

func NewCache(kv hostapi.KVStore, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{kv: kv, logger: logger}
}

// Load restores the snapshot from durable storage. Missing state is not
// an error: it means the device has not redeemed yet.
func (c *Cache) Load() error {
	data, ok, err := c.kv.Get(stateKey)
	if err != nil {
		return fmt.Errorf("failed to read local state: %w", err)
	}
	if !ok {
		return nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		c.logger.Warn("discarding corrupt local state", zap.Error(err))
		return c.kv.Delete(stateKey)
	}

	c.mu.Lock()
	c.state = &st
	c.mu.Unlock()
	return nil
}

// Current returns a copy of the snapshot, or ok=false before redemption.
func (c *Cache) Current() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return State{}, false
	}
	return *c.state, true
}

// SetIdentity installs a fresh identity after redemption.
func (c *Cache) SetIdentity(deviceID, token string, balance api.Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = &State{DeviceID: deviceID, Token: token, Balance: balance, UpdatedAt: time.Now()}
	return c.persistLocked()
}

// ApplyServer overwrites the balance with server truth. Local
// speculative increments are discarded, never merged.
func (c *Cache) ApplyServer(balance api.Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	c.state.Balance = balance
	c.state.UpdatedAt = time.Now()
	return c.persistLocked()
}

// ApplyLocal charges a usage speculatively while the server is
// unreachable. The charge is pessimistic; the next sync replaces it.
func (c *Cache) ApplyLocal(cost int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	c.state.Balance.Used += cost
	c.state.Balance.Remaining = c.state.Balance.Allocated - c.state.Balance.Used
	c.state.UpdatedAt = time.Now()
	return c.persistLocked()
}

// MarkBlocked flips the local block flag immediately, ahead of any sync.
func (c *Cache) MarkBlocked() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	c.state.Balance.IsBlocked = true
	c.state.UpdatedAt = time.Now()
	return c.persistLocked()
}

// Clear wipes the snapshot on explicit deactivation.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = nil
	return c.kv.Delete(stateKey)
}

func (c *Cache) persistLocked() error {
	data, err := json.Marshal(c.state)
	if err != nil {
		return err
	}
	if err := c.kv.Set(stateKey, data); err != nil {
		return fmt.Errorf("failed to persist local state: %w", err)
	}
	return nil
}
