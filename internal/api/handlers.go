package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"mailwatch/internal/models"
	"mailwatch/internal/provider"
	"mailwatch/internal/repository"
	"mailwatch/internal/services"
	"mailwatch/internal/utils"

	"github.com/gorilla/mux"
)

// APIHandler carries the dependencies for the management endpoints
type APIHandler struct {
	accounts *repository.AccountRepository
	handoffs *repository.HandoffRepository
	channels *repository.ChannelRepository
	trigger  *services.ManualTrigger
	logger   *utils.Logger
}

// NewAPIHandler creates a new APIHandler
func NewAPIHandler(
	accounts *repository.AccountRepository,
	handoffs *repository.HandoffRepository,
	channels *repository.ChannelRepository,
	trigger *services.ManualTrigger,
) *APIHandler {
	return &APIHandler{
		accounts: accounts,
		handoffs: handoffs,
		channels: channels,
		trigger:  trigger,
		logger:   utils.NewLogger("API"),
	}
}

// HealthCheck reports service liveness
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateAccountHandler registers a mailbox. Automation starts disabled;
// the enable endpoint performs the first watch registration.
func (h *APIHandler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.EmailAddress == "" {
		respondError(w, http.StatusBadRequest, "emailAddress is required")
		return
	}

	account := &models.Account{EmailAddress: req.EmailAddress}
	if len(req.Token) > 0 {
		if err := json.Unmarshal(req.Token, &account.Token); err != nil {
			respondError(w, http.StatusBadRequest, "invalid token: "+err.Error())
			return
		}
	}

	if existing, err := h.accounts.GetByEmail(req.EmailAddress); err == nil && existing != nil {
		respondError(w, http.StatusConflict, "account already exists")
		return
	}

	if err := h.accounts.Create(account); err != nil {
		h.logger.Error("Failed to create account %s: %v", req.EmailAddress, err)
		respondError(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	respondJSON(w, http.StatusCreated, accountResponse(account))
}

// GetAccountsHandler lists accounts, optionally filtered by email
func (h *APIHandler) GetAccountsHandler(w http.ResponseWriter, r *http.Request) {
	if email := r.URL.Query().Get("email"); email != "" {
		account, err := h.accounts.GetByEmail(email)
		if err != nil {
			if errors.Is(err, repository.ErrAccountNotFound) {
				respondJSON(w, http.StatusOK, []AccountResponse{})
				return
			}
			respondError(w, http.StatusInternalServerError, "failed to list accounts")
			return
		}
		respondJSON(w, http.StatusOK, []AccountResponse{accountResponse(account)})
		return
	}

	accounts, err := h.accounts.GetAll()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	out := make([]AccountResponse, 0, len(accounts))
	for i := range accounts {
		out = append(out, accountResponse(&accounts[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetAccountHandler returns one account
func (h *APIHandler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.accountFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, accountResponse(account))
}

// DeleteAccountHandler removes an account and its sync state
func (h *APIHandler) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}
	if err := h.accounts.Delete(id); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableAutomationHandler turns on automation and runs the initial sync
func (h *APIHandler) EnableAutomationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}
	result, err := h.trigger.EnableAutomation(r.Context(), id)
	if err != nil {
		h.respondSyncError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// DisableAutomationHandler turns off automation
func (h *APIHandler) DisableAutomationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}
	if err := h.trigger.DisableAutomation(id); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to disable automation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncNowHandler runs a manual watch renewal plus reconciliation
func (h *APIHandler) SyncNowHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}
	result, err := h.trigger.SyncNow(r.Context(), id)
	if err != nil {
		h.respondSyncError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ListHandoffsHandler returns the recent handoff ledger for an account
func (h *APIHandler) ListHandoffsHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.accountFromPath(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.handoffs.ListByAccount(account.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list handoffs")
		return
	}
	total, err := h.handoffs.CountByAccount(account.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count handoffs")
		return
	}
	respondJSON(w, http.StatusOK, HandoffListResponse{
		AccountID: account.ID,
		Total:     total,
		Records:   records,
	})
}

// respondSyncError maps the sync error taxonomy onto HTTP statuses. The
// 403 body carries the remediation text so operators can fix IAM without
// digging through logs.
func (h *APIHandler) respondSyncError(w http.ResponseWriter, err error) {
	var pd *provider.PermissionDeniedError
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account not found")
	case errors.As(err, &pd):
		respondError(w, http.StatusForbidden, pd.Remediation())
	case provider.IsTransient(err):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("Sync failed: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func idFromPath(w http.ResponseWriter, r *http.Request) (uint, bool) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return uint(id), true
}

func (h *APIHandler) accountFromPath(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	id, ok := idFromPath(w, r)
	if !ok {
		return nil, false
	}
	account, err := h.accounts.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, "failed to load account")
		return nil, false
	}
	return account, true
}
