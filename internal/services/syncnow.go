package services

import (
	"context"
	"fmt"
	"time"

	"mailwatch/internal/config"
	"mailwatch/internal/repository"
	"mailwatch/internal/utils"
)

// SyncNowResult is the operator-facing outcome of a manual trigger.
type SyncNowResult struct {
	NewMessageCount int       `json:"newMessageCount"`
	Cursor          uint64    `json:"cursor"`
	Expiry          time.Time `json:"expiry"`
	Bootstrapped    bool      `json:"bootstrapped,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
}

// ManualTrigger implements the on-demand "sync now" path: renew the
// watch, then reconcile everything between the stored cursor and the
// fresh baseline. It shares the registrar and reconciler with the
// automated paths so the commit protocol is identical.
type ManualTrigger struct {
	registrar  *Registrar
	reconciler *Reconciler
	accounts   *repository.AccountRepository
	cfg        config.SyncConfig
	logger     *utils.Logger
}

// NewManualTrigger creates a new ManualTrigger
func NewManualTrigger(registrar *Registrar, reconciler *Reconciler, accounts *repository.AccountRepository, cfg config.SyncConfig) *ManualTrigger {
	return &ManualTrigger{
		registrar:  registrar,
		reconciler: reconciler,
		accounts:   accounts,
		cfg:        cfg,
		logger:     utils.NewLogger("ManualTrigger"),
	}
}

// SyncNow renews the account's watch and reconciles up to the fresh
// baseline. The pre-renewal state is captured first so the result can
// warn when the old channel was close to expiring, which means push
// notifications were at risk.
func (t *ManualTrigger) SyncNow(ctx context.Context, accountID uint) (*SyncNowResult, error) {
	account, err := t.accounts.GetByID(accountID)
	if err != nil {
		return nil, err
	}

	capturedCursor := account.Cursor
	oldExpiry := account.WatchExpiry

	baseline, err := t.registrar.Register(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if oldExpiry != nil {
		remaining := time.Until(*oldExpiry)
		if remaining < 0 {
			warnings = append(warnings,
				fmt.Sprintf("previous watch channel expired %s ago; notifications were not being delivered", (-remaining).Round(time.Minute)))
		} else if remaining < t.cfg.NearMissWindow {
			warnings = append(warnings,
				fmt.Sprintf("previous watch channel had only %s left before expiry", remaining.Round(time.Minute)))
		}
	}

	result, err := t.reconciler.Reconcile(ctx, accountID, baseline.Cursor)
	if err != nil {
		return nil, err
	}

	t.logger.Info("Manual sync for %s: %d new message(s), cursor %d -> %d",
		account.EmailAddress, len(result.MessageIDs), capturedCursor, result.Cursor)

	return &SyncNowResult{
		NewMessageCount: len(result.MessageIDs),
		Cursor:          result.Cursor,
		Expiry:          baseline.Expiry,
		Bootstrapped:    result.Bootstrapped,
		Warnings:        warnings,
	}, nil
}

// EnableAutomation turns on automatic renewal for the account and runs
// an immediate sync so no mail between enablement and the first push
// notification is missed.
func (t *ManualTrigger) EnableAutomation(ctx context.Context, accountID uint) (*SyncNowResult, error) {
	if err := t.accounts.SetAutomation(accountID, true); err != nil {
		return nil, err
	}
	result, err := t.SyncNow(ctx, accountID)
	if err != nil {
		// Register already disabled automation and recorded remediation
		// if this was a terminal permission failure.
		return nil, err
	}
	return result, nil
}

// DisableAutomation turns off automatic renewal. The provider-side
// channel is left to lapse on its own.
func (t *ManualTrigger) DisableAutomation(accountID uint) error {
	return t.accounts.SetAutomation(accountID, false)
}
