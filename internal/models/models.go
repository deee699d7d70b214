package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// OAuthToken stores an OAuth2 token as a JSON column.
type OAuthToken oauth2.Token

// Scan implements the sql.Scanner interface
func (t *OAuthToken) Scan(value interface{}) error {
	if value == nil {
		*t = OAuthToken{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot convert value to bytes, got type %T", value)
	}

	if len(bytes) == 0 {
		*t = OAuthToken{}
		return nil
	}
	return json.Unmarshal(bytes, t)
}

// Value implements the driver.Valuer interface
func (t OAuthToken) Value() (driver.Value, error) {
	return json.Marshal(t)
}

// Token returns the token in the form the oauth2 package expects.
func (t *OAuthToken) Token() *oauth2.Token {
	tok := oauth2.Token(*t)
	return &tok
}

// Account represents a watched mailbox and its sync state. Cursor is the
// last provider history id whose delta has been handed off downstream;
// it never decreases.
type Account struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	EmailAddress      string     `gorm:"uniqueIndex;not null;type:varchar(255)" json:"emailAddress"`
	Token             OAuthToken `gorm:"type:json" json:"-"`
	Cursor            uint64     `gorm:"not null;default:0" json:"cursor"`
	WatchExpiry       *time.Time `json:"watchExpiry,omitempty"`
	LastRenewedAt     *time.Time `json:"lastRenewedAt,omitempty"`
	AutomationEnabled bool       `gorm:"default:false" json:"automationEnabled"`
	LastError         string     `gorm:"type:text" json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// WatchChannel records the active provider watch for an account.
type WatchChannel struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ChannelID string    `gorm:"uniqueIndex;not null;type:varchar(64)" json:"channelId"`
	AccountID uint      `gorm:"uniqueIndex;not null" json:"accountId"`
	Account   Account   `gorm:"foreignKey:AccountID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	TopicName string    `gorm:"not null" json:"topicName"`
	Baseline  uint64    `gorm:"not null" json:"baseline"`
	Expiry    time.Time `gorm:"not null" json:"expiry"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HandoffRecord is one message id accepted by the downstream consumer.
// The (account, message) pair is unique so redeliveries are absorbed.
type HandoffRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccountID   uint      `gorm:"not null;uniqueIndex:idx_handoff_account_message" json:"accountId"`
	MessageID   string    `gorm:"not null;uniqueIndex:idx_handoff_account_message;type:varchar(128)" json:"messageId"`
	Cursor      uint64    `gorm:"not null" json:"cursor"`
	HandedOffAt time.Time `json:"handedOffAt"`
}

// SyncResult is the outcome of one reconciliation run. It is not persisted.
type SyncResult struct {
	AccountID    uint      `json:"accountId"`
	EmailAddress string    `json:"emailAddress"`
	MessageIDs   []string  `json:"messageIds"`
	Cursor       uint64    `json:"cursor"`
	Bootstrapped bool      `json:"bootstrapped"`
	Shared       bool      `json:"shared"`
	CompletedAt  time.Time `json:"completedAt"`
}

// SyncEvent is the payload broadcast to websocket subscribers after a
// reconciliation commits.
type SyncEvent struct {
	EmailAddress string    `json:"emailAddress"`
	MessageCount int       `json:"messageCount"`
	Cursor       uint64    `json:"cursor"`
	Bootstrapped bool      `json:"bootstrapped"`
	Timestamp    time.Time `json:"timestamp"`
}
