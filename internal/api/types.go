package api

import (
	"encoding/json"
	"net/http"
	"time"

	"mailwatch/internal/models"
)

// CreateAccountRequest is the body for registering a mailbox.
type CreateAccountRequest struct {
	EmailAddress string          `json:"emailAddress"`
	Token        json.RawMessage `json:"token"`
}

// AccountResponse is the operator-facing view of an account.
type AccountResponse struct {
	ID                uint       `json:"id"`
	EmailAddress      string     `json:"emailAddress"`
	Cursor            uint64     `json:"cursor"`
	AutomationEnabled bool       `json:"automationEnabled"`
	WatchExpiry       *time.Time `json:"watchExpiry,omitempty"`
	LastRenewedAt     *time.Time `json:"lastRenewedAt,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// HandoffListResponse wraps the handoff ledger for an account.
type HandoffListResponse struct {
	AccountID uint                   `json:"accountId"`
	Total     int64                  `json:"total"`
	Records   []models.HandoffRecord `json:"records"`
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func accountResponse(a *models.Account) AccountResponse {
	return AccountResponse{
		ID:                a.ID,
		EmailAddress:      a.EmailAddress,
		Cursor:            a.Cursor,
		AutomationEnabled: a.AutomationEnabled,
		WatchExpiry:       a.WatchExpiry,
		LastRenewedAt:     a.LastRenewedAt,
		LastError:         a.LastError,
		CreatedAt:         a.CreatedAt,
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
