package services

import (
	"context"

	"mailwatch/internal/models"
	"mailwatch/internal/provider"
)

// Provider is the slice of the mail provider API the sync services need.
// *provider.GmailClient satisfies it.
type Provider interface {
	RegisterWatch(ctx context.Context, account *models.Account) (provider.Baseline, error)
	ListHistory(ctx context.Context, account *models.Account, fromCursor uint64) (provider.Delta, error)
	ListRecent(ctx context.Context, account *models.Account) ([]string, error)
	GetProfile(ctx context.Context, account *models.Account) (provider.Profile, error)
}

// Consumer accepts a reconciled delta. The cursor is committed only after
// Accept returns nil, so implementations must tolerate redelivery of the
// same ids.
type Consumer interface {
	Accept(ctx context.Context, account *models.Account, result *models.SyncResult) error
}
