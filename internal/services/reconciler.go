package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailwatch/internal/models"
	"mailwatch/internal/provider"
	"mailwatch/internal/repository"
	"mailwatch/internal/utils"
)

// Reconciler turns a change signal into the exact set of new message ids
// by walking provider history from the stored cursor. At most one run per
// account is in flight; a concurrent redundant trigger shares the
// in-flight result instead of fetching twice.
type Reconciler struct {
	provider Provider
	accounts *repository.AccountRepository
	consumer Consumer
	logger   *utils.Logger

	mu       sync.Mutex
	inflight map[uint]*inflightRun
}

// inflightRun tracks one account's active reconciliation. target is the
// highest cursor the run is known to cover; 0 means the run reads up to
// the live mailbox head.
type inflightRun struct {
	target uint64
	done   chan struct{}
	result *models.SyncResult
	err    error
}

// NewReconciler creates a new Reconciler
func NewReconciler(p Provider, accounts *repository.AccountRepository, consumer Consumer) *Reconciler {
	return &Reconciler{
		provider: p,
		accounts: accounts,
		consumer: consumer,
		logger:   utils.NewLogger("Reconciler"),
		inflight: make(map[uint]*inflightRun),
	}
}

// Reconcile brings the account's cursor forward to at least upperBound
// (0 = the current mailbox head), handing any discovered message ids to
// the consumer before the cursor commits. Duplicate concurrent triggers
// block until the covering run finishes and receive its result with the
// Shared flag set.
func (s *Reconciler) Reconcile(ctx context.Context, accountID uint, upperBound uint64) (*models.SyncResult, error) {
	var run *inflightRun
	for {
		s.mu.Lock()
		active, ok := s.inflight[accountID]
		if !ok {
			run = &inflightRun{target: upperBound, done: make(chan struct{})}
			s.inflight[accountID] = run
			s.mu.Unlock()
			break
		}
		covered := active.target == 0 || (upperBound != 0 && upperBound <= active.target)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-active.done:
		}
		if covered {
			metricReconciliations.WithLabelValues("shared").Inc()
			if active.err != nil {
				return nil, active.err
			}
			shared := *active.result
			shared.Shared = true
			return &shared, nil
		}
		// The finished run did not cover the requested cursor; try to
		// claim the slot for a fresh one.
	}

	result, err := s.run(ctx, accountID, upperBound)

	s.mu.Lock()
	run.result, run.err = result, err
	delete(s.inflight, accountID)
	s.mu.Unlock()
	close(run.done)

	return result, err
}

func (s *Reconciler) run(ctx context.Context, accountID uint, upperBound uint64) (*models.SyncResult, error) {
	account, err := s.accounts.GetByID(accountID)
	if err != nil {
		metricReconciliations.WithLabelValues("error").Inc()
		return nil, err
	}

	from := account.Cursor
	bootstrapped := false
	var delta provider.Delta

	if from == 0 {
		// First contact with this mailbox: adopt the current head, there
		// is no history window to enumerate.
		prof, err := s.provider.GetProfile(ctx, account)
		if err != nil {
			metricReconciliations.WithLabelValues("error").Inc()
			return nil, err
		}
		delta = provider.Delta{Cursor: prof.Cursor}
		bootstrapped = true
	} else {
		delta, err = s.provider.ListHistory(ctx, account, from)
		if errors.Is(err, provider.ErrStaleCursor) {
			s.logger.Warn("Cursor %d for %s is older than retained history, bootstrapping from profile",
				from, account.EmailAddress)
			delta, err = s.bootstrap(ctx, account)
			bootstrapped = true
		}
		if err != nil {
			metricReconciliations.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	cursor := delta.Cursor
	if upperBound > cursor {
		cursor = upperBound
	}
	if from > cursor {
		cursor = from
	}

	result := &models.SyncResult{
		AccountID:    account.ID,
		EmailAddress: account.EmailAddress,
		MessageIDs:   delta.MessageIDs,
		Cursor:       cursor,
		Bootstrapped: bootstrapped,
		CompletedAt:  time.Now(),
	}

	// Handoff before commit. A rejected handoff leaves the cursor where
	// it was so the delta is rediscovered on the next trigger.
	if len(result.MessageIDs) > 0 {
		if err := s.consumer.Accept(ctx, account, result); err != nil {
			metricReconciliations.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("downstream handoff rejected: %w", err)
		}
		metricHandoffs.Add(float64(len(result.MessageIDs)))
	}

	committed, err := s.accounts.CommitCursor(account.ID, cursor)
	if err != nil {
		metricReconciliations.WithLabelValues("error").Inc()
		return nil, err
	}
	if !committed {
		s.logger.Debug("Cursor for %s already at or beyond %d", account.EmailAddress, cursor)
	}

	if bootstrapped {
		metricReconciliations.WithLabelValues("bootstrap").Inc()
	} else {
		metricReconciliations.WithLabelValues("ok").Inc()
	}
	s.logger.Info("Reconciled %s: %d new message(s), cursor %d -> %d",
		account.EmailAddress, len(result.MessageIDs), from, cursor)
	return result, nil
}

// bootstrap recovers from a stale cursor by adopting the current profile
// cursor and handing off the newest messages in the watched label.
// Messages between the lost window and that snapshot are unrecoverable
// through the history API.
func (s *Reconciler) bootstrap(ctx context.Context, account *models.Account) (provider.Delta, error) {
	prof, err := s.provider.GetProfile(ctx, account)
	if err != nil {
		return provider.Delta{}, err
	}
	ids, err := s.provider.ListRecent(ctx, account)
	if err != nil {
		return provider.Delta{}, err
	}
	return provider.Delta{MessageIDs: ids, Cursor: prof.Cursor}, nil
}
