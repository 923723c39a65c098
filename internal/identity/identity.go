// Package identity issues device identities from single-use redemption
// keys and authenticates device bearer credentials.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/pkg/api"
)

var ErrDeviceNotFound = errors.New("device not found")

// Account is the billing entity. UpstreamAPIKey is the resource owner's
// credential the gateway uses on behalf of all the account's devices; it
// never leaves the server.
type Account struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	MonthlyTokens  int64     `json:"monthly_tokens"`
	MaxDevices     int       `json:"max_devices"`
	Active         bool      `json:"active"`
	UpstreamAPIKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Device is a registered client instance. Fingerprint is unique within
// an account; TokenHash is the sha256 of the bearer credential.
type Device struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Blocked     bool      `json:"blocked"`
	TokenHash   string    `json:"token_hash"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (d *Device) MarshalBinary() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (d *Device) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, d)
}

// RedemptionKey is a one-time code. used == true always carries the
// consuming device id, and a used key can never be redeemed again.
type RedemptionKey struct {
	ID             string
	Code           string
	AccountID      string
	Tokens         int64
	ExpiresAt      time.Time
	Used           bool
	UsedByDeviceID string
	CreatedAt      time.Time
}

type Store interface {
	GetKeyByCode(ctx context.Context, code string) (*RedemptionKey, error)
	// ConsumeKey marks the key used by deviceID. It must be conditional
	// on the key being unused so two racing redemptions cannot both win.
	ConsumeKey(ctx context.Context, keyID, deviceID string) error
	CreateKey(ctx context.Context, key *RedemptionKey) error

	GetAccount(ctx context.Context, id string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error

	GetDeviceByFingerprint(ctx context.Context, fingerprint string) (*Device, error)
	GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*Device, error)
	CreateDevice(ctx context.Context, device *Device) error
	DeleteDevice(ctx context.Context, deviceID string) error
	UpdateDeviceToken(ctx context.Context, deviceID, tokenHash string) error
	TouchDevice(ctx context.Context, deviceID string) error
	CountDevices(ctx context.Context, accountID string) (int, error)
}

// Service implements the redemption flow over a Store and the ledger.
type Service struct {
	store  Store
	ledger ledger.Store
}

func NewService(store Store, ledgerStore ledger.Store) *Service {
	return &Service{store: store, ledger: ledgerStore}
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// newToken mints a bearer credential. Only its hash is persisted.
func newToken() string {
	return "tgd_" + uuid.New().String()
}

// Redeem consumes a redemption key and returns the device identity, its
// bearer credential, and the device's current allocation.
//
// Redeeming the same key for a fingerprint already registered under the
// key's account is idempotent: the existing device is returned (with a
// rotated credential) and no duplicate is created. A fingerprint found
// under a different account is deleted and re-registered here; history
// does not move with it.
func (s *Service) Redeem(ctx context.Context, code, deviceName, fingerprint string) (*Device, string, *ledger.Allocation, error) {
	if code == "" || fingerprint == "" {
		return nil, "", nil, fmt.Errorf("%w: key and fingerprint are required", api.ErrValidation)
	}

	key, err := s.store.GetKeyByCode(ctx, code)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, "", nil, api.ErrExpiredOrConsumed
		}
		return nil, "", nil, fmt.Errorf("failed to look up redemption key: %w", err)
	}
	if key.Used || time.Now().After(key.ExpiresAt) {
		return nil, "", nil, api.ErrExpiredOrConsumed
	}

	account, err := s.store.GetAccount(ctx, key.AccountID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to load key's account: %w", err)
	}
	if !account.Active {
		return nil, "", nil, api.ErrAccountInactive
	}

	existing, err := s.store.GetDeviceByFingerprint(ctx, fingerprint)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return nil, "", nil, fmt.Errorf("failed to look up fingerprint: %w", err)
	}

	if existing != nil && existing.AccountID == account.ID {
		// Same account, same hardware: link the key to the existing
		// device instead of creating a duplicate.
		if err := s.store.ConsumeKey(ctx, key.ID, existing.ID); err != nil {
			return nil, "", nil, err
		}
		token := newToken()
		if err := s.store.UpdateDeviceToken(ctx, existing.ID, hashToken(token)); err != nil {
			return nil, "", nil, fmt.Errorf("failed to rotate device credential: %w", err)
		}
		if err := s.store.TouchDevice(ctx, existing.ID); err != nil {
			return nil, "", nil, fmt.Errorf("failed to refresh device: %w", err)
		}
		alloc, err := s.ledger.GetOrCreateAllocation(ctx, existing.ID, api.CurrentMonth())
		if err != nil {
			return nil, "", nil, err
		}
		return existing, token, alloc, nil
	}

	if existing != nil {
		// Fingerprint held by another account: release it to the
		// redeeming account. Destructive on purpose; the old record's
		// history stays orphaned.
		log.Printf("identity: fingerprint %s migrating from account %s to %s, deleting device %s",
			fingerprint, existing.AccountID, account.ID, existing.ID)
		if err := s.store.DeleteDevice(ctx, existing.ID); err != nil {
			return nil, "", nil, fmt.Errorf("failed to release fingerprint: %w", err)
		}
	}

	count, err := s.store.CountDevices(ctx, account.ID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to count account devices: %w", err)
	}
	if account.MaxDevices > 0 && count >= account.MaxDevices {
		return nil, "", nil, fmt.Errorf("%w: account device limit (%d) reached", api.ErrValidation, account.MaxDevices)
	}

	token := newToken()
	device := &Device{
		ID:          uuid.New().String(),
		AccountID:   account.ID,
		Name:        deviceName,
		Fingerprint: fingerprint,
		TokenHash:   hashToken(token),
	}
	if err := s.store.CreateDevice(ctx, device); err != nil {
		return nil, "", nil, fmt.Errorf("failed to create device: %w", err)
	}
	if err := s.store.ConsumeKey(ctx, key.ID, device.ID); err != nil {
		// The key lost a race to a concurrent redemption. The fresh
		// device row must not keep holding the fingerprint and a slot.
		if delErr := s.store.DeleteDevice(ctx, device.ID); delErr != nil {
			log.Printf("identity: failed to clean up device %s after key race: %v", device.ID, delErr)
		}
		return nil, "", nil, err
	}

	month := api.CurrentMonth()
	if key.Tokens > 0 {
		if err := s.ledger.Transfer(ctx, key.Tokens, "", device.ID, month); err != nil {
			return nil, "", nil, fmt.Errorf("failed to grant initial allocation: %w", err)
		}
	}
	alloc, err := s.ledger.GetOrCreateAllocation(ctx, device.ID, month)
	if err != nil {
		return nil, "", nil, err
	}

	return device, token, alloc, nil
}

// Authenticate resolves a bearer credential to its device.
func (s *Service) Authenticate(ctx context.Context, token string) (*Device, error) {
	device, err := s.store.GetDeviceByTokenHash(ctx, hashToken(token))
	if err != nil {
		return nil, err
	}
	return device, nil
}
