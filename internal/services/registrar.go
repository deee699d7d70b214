package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailwatch/internal/config"
	"mailwatch/internal/models"
	"mailwatch/internal/provider"
	"mailwatch/internal/repository"
	"mailwatch/internal/utils"

	"github.com/google/uuid"
)

// Registrar keeps watch channels registered and renewed. Registration is
// idempotent: re-registering an active account replaces its channel and
// returns a fresh baseline.
type Registrar struct {
	provider Provider
	accounts *repository.AccountRepository
	channels *repository.ChannelRepository
	topic    string
	cfg      config.SyncConfig
	logger   *utils.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistrar creates a new Registrar
func NewRegistrar(p Provider, accounts *repository.AccountRepository, channels *repository.ChannelRepository, topic string, cfg config.SyncConfig) *Registrar {
	return &Registrar{
		provider: p,
		accounts: accounts,
		channels: channels,
		topic:    topic,
		cfg:      cfg,
		logger:   utils.NewLogger("Registrar"),
		stopCh:   make(chan struct{}),
	}
}

// Register establishes or renews the watch channel for an account and
// returns the resulting baseline. Provider failures are retried with
// exponential backoff; after the retry budget is spent, permission
// failures disable automation and persist remediation instructions,
// transient failures leave automation enabled for the next sweep.
func (r *Registrar) Register(ctx context.Context, accountID uint) (provider.Baseline, error) {
	account, err := r.accounts.GetByID(accountID)
	if err != nil {
		return provider.Baseline{}, err
	}

	backoff := r.cfg.RetryBackoff
	attempts := r.cfg.RegisterAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		baseline, err := r.provider.RegisterWatch(ctx, account)
		if err == nil {
			metricRenewals.WithLabelValues("ok").Inc()
			if err := r.recordWatch(account, baseline); err != nil {
				return provider.Baseline{}, err
			}
			r.logger.Info("Watch registered for %s (expires %s)",
				account.EmailAddress, baseline.Expiry.Format(time.RFC3339))
			return baseline, nil
		}
		lastErr = err

		if provider.IsPermissionDenied(err) {
			metricRenewals.WithLabelValues("permission_denied").Inc()
		} else {
			metricRenewals.WithLabelValues("transient").Inc()
		}
		r.logger.Warn("Watch registration attempt %d/%d for %s failed: %v",
			attempt, attempts, account.EmailAddress, err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return provider.Baseline{}, err
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return provider.Baseline{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = backoff * 3 / 2
			if r.cfg.MaxRetryBackoff > 0 && backoff > r.cfg.MaxRetryBackoff {
				backoff = r.cfg.MaxRetryBackoff
			}
		}
	}

	var pd *provider.PermissionDeniedError
	if errors.As(lastErr, &pd) {
		if err := r.accounts.DisableAutomation(account.ID, pd.Remediation()); err != nil {
			r.logger.Error("Failed to disable automation for %s: %v", account.EmailAddress, err)
		} else {
			r.logger.Error("Automation disabled for %s after %d permission failures. Remediation: %s",
				account.EmailAddress, attempts, pd.Remediation())
		}
	} else if err := r.accounts.SetLastError(account.ID, lastErr.Error()); err != nil {
		r.logger.Error("Failed to record error for %s: %v", account.EmailAddress, err)
	}
	return provider.Baseline{}, lastErr
}

func (r *Registrar) recordWatch(account *models.Account, baseline provider.Baseline) error {
	channel := &models.WatchChannel{
		ChannelID: uuid.NewString(),
		AccountID: account.ID,
		TopicName: r.topic,
		Baseline:  baseline.Cursor,
		Expiry:    baseline.Expiry,
	}
	if err := r.channels.Upsert(channel); err != nil {
		return err
	}
	return r.accounts.UpdateWatch(account.ID, baseline.Cursor, baseline.Expiry, time.Now())
}

// Start launches the renewal sweep loop
func (r *Registrar) Start() error {
	r.wg.Add(1)
	go r.sweepLoop()
	r.logger.Info("Renewal sweep started (interval %s, horizon %s)",
		r.cfg.SweepInterval, r.cfg.RenewalHorizon)
	return nil
}

// Stop shuts down the sweep loop and waits for it to finish
func (r *Registrar) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("Renewal sweep stopped")
}

func (r *Registrar) sweepLoop() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.stopCh
		cancel()
	}()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	// One sweep at startup so channels lost while down are re-established.
	r.Sweep(ctx)

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep renews every automation-enabled account whose watch expires
// within the horizon. Accounts renewed moments ago by a concurrent
// manual trigger are skipped.
func (r *Registrar) Sweep(ctx context.Context) {
	horizon := time.Now().Add(r.cfg.RenewalHorizon)
	accounts, err := r.accounts.ListExpiringBefore(horizon)
	if err != nil {
		r.logger.Error("Sweep could not list accounts: %v", err)
		return
	}
	if len(accounts) == 0 {
		return
	}
	r.logger.Info("Sweep renewing %d account(s)", len(accounts))

	for i := range accounts {
		account := &accounts[i]
		if ctx.Err() != nil {
			return
		}
		if account.LastRenewedAt != nil && time.Since(*account.LastRenewedAt) < r.cfg.SweepInterval/2 {
			r.logger.Debug("Skipping %s, renewed recently", account.EmailAddress)
			continue
		}
		if _, err := r.Register(ctx, account.ID); err != nil {
			r.logger.Warn("Sweep renewal failed for %s: %v", account.EmailAddress, err)
		}
	}
}
