package repository

import (
	"errors"

	"mailwatch/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChannelRepository handles database operations for WatchChannel
type ChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a new ChannelRepository
func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// Upsert replaces the active channel row for the account. Registration is
// idempotent upstream, so one row per account is all that is kept.
func (r *ChannelRepository) Upsert(channel *models.WatchChannel) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"channel_id", "topic_name", "baseline", "expiry", "updated_at",
		}),
	}).Create(channel).Error
}

// GetByAccount retrieves the active channel for an account
func (r *ChannelRepository) GetByAccount(accountID uint) (*models.WatchChannel, error) {
	var channel models.WatchChannel
	err := r.db.Where("account_id = ?", accountID).First(&channel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &channel, nil
}
