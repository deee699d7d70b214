package api

import (
	"errors"
	"io"
	"net/http"

	"mailwatch/internal/notify"
	"mailwatch/internal/repository"
	"mailwatch/internal/services"
	"mailwatch/internal/utils"
)

// maxPushBodySize bounds the Pub/Sub push body read.
const maxPushBodySize = 1 << 20

// NotificationHandler terminates the Pub/Sub push subscription. It only
// decodes, checks freshness and enqueues; provider calls happen on the
// worker pool.
type NotificationHandler struct {
	accounts *repository.AccountRepository
	pool     *services.WorkerPool
	logger   *utils.Logger
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(accounts *repository.AccountRepository, pool *services.WorkerPool) *NotificationHandler {
	return &NotificationHandler{
		accounts: accounts,
		pool:     pool,
		logger:   utils.NewLogger("Receiver"),
	}
}

// HandlePush processes one push delivery. Malformed, duplicate and
// unknown-account notifications are acknowledged and dropped so Pub/Sub
// does not redeliver garbage; only store failures ask for redelivery.
func (h *NotificationHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBodySize))
	if err != nil {
		services.CountNotification("malformed")
		h.logger.Warn("Failed to read push body: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	n, err := notify.ParseEnvelope(body)
	if err != nil {
		services.CountNotification("malformed")
		h.logger.Warn("Dropping malformed notification: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	account, err := h.accounts.GetByEmail(n.EmailAddress)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			services.CountNotification("unknown_account")
			h.logger.Warn("Dropping notification for unknown account %s", n.EmailAddress)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error("Account lookup for %s failed: %v", n.EmailAddress, err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	if !account.AutomationEnabled {
		services.CountNotification("disabled")
		h.logger.Debug("Dropping notification for %s, automation disabled", n.EmailAddress)
		w.WriteHeader(http.StatusOK)
		return
	}

	// A notification at or below the committed cursor carries nothing new.
	if n.HistoryID <= account.Cursor {
		services.CountNotification("duplicate")
		h.logger.Debug("Dropping stale notification for %s (history %d <= cursor %d)",
			n.EmailAddress, n.HistoryID, account.Cursor)
		w.WriteHeader(http.StatusOK)
		return
	}

	services.CountNotification("fresh")
	h.pool.Enqueue(services.ReconcileRequest{AccountID: account.ID, Cursor: n.HistoryID})
	w.WriteHeader(http.StatusOK)
}
