package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tokengate/tokengate/pkg/api"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetKeyByCode(ctx context.Context, code string) (*RedemptionKey, error) {
	query := `
		SELECT id, code, account_id, tokens, expires_at, used, COALESCE(used_by_device_id::text, ''), created_at
		FROM redemption_keys
		WHERE code = $1
	`
	var k RedemptionKey
	err := s.db.QueryRow(ctx, query, code).Scan(
		&k.ID, &k.Code, &k.AccountID, &k.Tokens, &k.ExpiresAt, &k.Used, &k.UsedByDeviceID, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, api.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get redemption key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) ConsumeKey(ctx context.Context, keyID, deviceID string) error {
	// Conditional on used = false: of two racing redemptions only one
	// can flip the flag.
	query := `
		UPDATE redemption_keys
		SET used = true, used_by_device_id = $2
		WHERE id = $1 AND used = false
	`
	tag, err := s.db.Exec(ctx, query, keyID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to consume redemption key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrExpiredOrConsumed
	}
	return nil
}

func (s *PostgresStore) CreateKey(ctx context.Context, key *RedemptionKey) error {
	query := `
		INSERT INTO redemption_keys (code, account_id, tokens, expires_at, used)
		VALUES ($1, $2, $3, $4, false)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query, key.Code, key.AccountID, key.Tokens, key.ExpiresAt).
		Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create redemption key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := `
		SELECT id, name, monthly_tokens, max_devices, active, COALESCE(upstream_api_key, ''), created_at
		FROM accounts
		WHERE id = $1
	`
	var a Account
	err := s.db.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.MonthlyTokens, &a.MaxDevices, &a.Active, &a.UpstreamAPIKey, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, api.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	query := `
		INSERT INTO accounts (name, monthly_tokens, max_devices, active, upstream_api_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		account.Name, account.MonthlyTokens, account.MaxDevices, account.Active, account.UpstreamAPIKey,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

const deviceColumns = `id, account_id, name, fingerprint, blocked, token_hash, last_seen_at, created_at`

func (s *PostgresStore) scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.AccountID, &d.Name, &d.Fingerprint, &d.Blocked, &d.TokenHash, &d.LastSeenAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) GetDeviceByFingerprint(ctx context.Context, fingerprint string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE fingerprint = $1`
	return s.scanDevice(s.db.QueryRow(ctx, query, fingerprint))
}

func (s *PostgresStore) GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE token_hash = $1`
	return s.scanDevice(s.db.QueryRow(ctx, query, tokenHash))
}

func (s *PostgresStore) CreateDevice(ctx context.Context, device *Device) error {
	query := `
		INSERT INTO devices (id, account_id, name, fingerprint, blocked, token_hash, last_seen_at)
		VALUES ($1, $2, $3, $4, false, $5, now())
		RETURNING last_seen_at, created_at
	`
	err := s.db.QueryRow(ctx, query,
		device.ID, device.AccountID, device.Name, device.Fingerprint, device.TokenHash,
	).Scan(&device.LastSeenAt, &device.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, deviceID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM devices WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateDeviceToken(ctx context.Context, deviceID, tokenHash string) error {
	tag, err := s.db.Exec(ctx, `UPDATE devices SET token_hash = $2 WHERE id = $1`, deviceID, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to update device token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) TouchDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.Exec(ctx, `UPDATE devices SET last_seen_at = now() WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountDevices(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM devices WHERE account_id = $1`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return count, nil
}
