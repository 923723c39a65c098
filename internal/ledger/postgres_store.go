package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tokengate/tokengate/pkg/api"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db       DB
	baseline int64 // allocated amount for lazily created rows
}

func NewPostgresStore(db DB, baselineTokens int64) Store {
	return &PostgresStore{db: db, baseline: baselineTokens}
}

func (s *PostgresStore) GetOrCreateAllocation(ctx context.Context, deviceID, month string) (*Allocation, error) {
	query := `
		INSERT INTO monthly_allocations (device_id, month, allocated, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (device_id, month) DO UPDATE SET device_id = monthly_allocations.device_id
		RETURNING allocated, used
	`
	a := &Allocation{DeviceID: deviceID, Month: month}
	err := s.db.QueryRow(ctx, query, deviceID, month, s.baseline).Scan(&a.Allocated, &a.Used)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create allocation: %w", err)
	}
	return a, nil
}

// Decrement runs the conditional update and the usage-event insert in one
// transaction. The WHERE clause carries the budget check, so two
// concurrent callers can never both commit past the cap: the row lock
// taken by the first UPDATE serializes them, and the loser's re-evaluated
// condition fails.
func (s *PostgresStore) Decrement(ctx context.Context, deviceID, month string, ev *UsageEvent) (*Allocation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin decrement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO monthly_allocations (device_id, month, allocated, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (device_id, month) DO NOTHING
	`, deviceID, month, s.baseline)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure allocation row: %w", err)
	}

	a := &Allocation{DeviceID: deviceID, Month: month}
	err = tx.QueryRow(ctx, `
		UPDATE monthly_allocations
		SET used = used + $3
		WHERE device_id = $1 AND month = $2 AND used + $3 <= allocated
		RETURNING allocated, used
	`, deviceID, month, ev.Cost).Scan(&a.Allocated, &a.Used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Condition failed: report the authoritative remaining.
			var allocated, used int64
			selErr := tx.QueryRow(ctx, `
				SELECT allocated, used FROM monthly_allocations
				WHERE device_id = $1 AND month = $2
			`, deviceID, month).Scan(&allocated, &used)
			if selErr != nil {
				return nil, fmt.Errorf("failed to read allocation after refused decrement: %w", selErr)
			}
			return nil, &api.BudgetError{Remaining: allocated - used}
		}
		return nil, fmt.Errorf("failed to decrement allocation: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO usage_events (device_id, account_id, model, request_type, cost)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, deviceID, ev.AccountID, ev.Model, ev.RequestType, ev.Cost).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append usage event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit decrement: %w", err)
	}
	ev.DeviceID = deviceID
	return a, nil
}

func (s *PostgresStore) Transfer(ctx context.Context, tokens int64, fromDeviceID, toDeviceID, month string) error {
	if tokens <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", api.ErrValidation)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transfer tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if fromDeviceID != "" {
		var remaining int64
		err = tx.QueryRow(ctx, `
			UPDATE monthly_allocations
			SET allocated = allocated - $3
			WHERE device_id = $1 AND month = $2 AND allocated - used >= $3
			RETURNING allocated - used
		`, fromDeviceID, month, tokens).Scan(&remaining)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &api.BudgetError{Remaining: 0}
			}
			return fmt.Errorf("failed to debit transfer source: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO monthly_allocations (device_id, month, allocated, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (device_id, month) DO UPDATE
		SET allocated = monthly_allocations.allocated + $3
	`, toDeviceID, month, tokens)
	if err != nil {
		return fmt.Errorf("failed to credit transfer target: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transfers (from_device_id, to_device_id, tokens, month)
		VALUES (NULLIF($1, ''), $2, $3, $4)
	`, fromDeviceID, toDeviceID, tokens, month)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetAll(ctx context.Context, month string, defaultTokens int64) error {
	query := `
		INSERT INTO monthly_allocations (device_id, month, allocated, used)
		SELECT id, $1, $2, 0 FROM devices
		ON CONFLICT (device_id, month) DO UPDATE
		SET allocated = $2, used = 0
	`
	if _, err := s.db.Exec(ctx, query, month, defaultTokens); err != nil {
		return fmt.Errorf("failed to reset allocations for %s: %w", month, err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, deviceID string, limit int) ([]UsageEvent, error) {
	query := `
		SELECT id, device_id, account_id, model, request_type, cost, created_at
		FROM usage_events
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var ev UsageEvent
		err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.AccountID, &ev.Model, &ev.RequestType, &ev.Cost, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage events: %w", err)
	}
	return events, nil
}
