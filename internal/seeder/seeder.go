package seeder

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/tokengate/tokengate/internal/identity"
)

const (
	DemoRedemptionCode = "DEMO-REDEEM-12345"
	DemoAccountName    = "demo-account"
	DemoAccountTokens  = 500
)

// SeedDemoAccount creates a demo account and one unused redemption key
// so a local client can redeem immediately.
func SeedDemoAccount(ctx context.Context, store identity.Store) {
	account := &identity.Account{
		Name:           DemoAccountName,
		MonthlyTokens:  DemoAccountTokens,
		MaxDevices:     5,
		Active:         true,
		UpstreamAPIKey: os.Getenv("DEMO_UPSTREAM_API_KEY"),
	}
	if err := store.CreateAccount(ctx, account); err != nil {
		log.Printf("[Seeder] demo account may already exist, skipping: %v", err)
		return
	}

	key := &identity.RedemptionKey{
		Code:      DemoRedemptionCode,
		AccountID: account.ID,
		Tokens:    50,
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	}
	if err := store.CreateKey(ctx, key); err != nil {
		log.Printf("[Seeder] demo redemption key may already exist, skipping: %v", err)
		return
	}

	log.Printf("[Seeder] Demo account created: %s", account.ID)
	log.Printf("[Seeder] Redemption code: %s (50 tokens, expires %s)", key.Code, key.ExpiresAt.Format(time.RFC3339))
}
