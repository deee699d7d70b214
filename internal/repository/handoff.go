package repository

import (
	"time"

	"mailwatch/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HandoffRepository handles database operations for HandoffRecord
type HandoffRepository struct {
	db *gorm.DB
}

// NewHandoffRepository creates a new HandoffRepository
func NewHandoffRepository(db *gorm.DB) *HandoffRepository {
	return &HandoffRepository{db: db}
}

// RecordBatch stores the handed-off message ids and returns the ids that
// were not already present. Redelivered ids are absorbed by the unique
// (account, message) index.
func (r *HandoffRepository) RecordBatch(accountID uint, cursor uint64, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var existing []string
	err := r.db.Model(&models.HandoffRecord{}).
		Where("account_id = ? AND message_id IN ?", accountID, messageIDs).
		Pluck("message_id", &existing).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}

	now := time.Now()
	var fresh []string
	var records []models.HandoffRecord
	for _, id := range messageIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		fresh = append(fresh, id)
		records = append(records, models.HandoffRecord{
			AccountID:   accountID,
			MessageID:   id,
			Cursor:      cursor,
			HandedOffAt: now,
		})
	}
	if len(records) == 0 {
		return nil, nil
	}

	err = r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// ListByAccount returns the most recent handoffs for an account
func (r *HandoffRepository) ListByAccount(accountID uint, limit int) ([]models.HandoffRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []models.HandoffRecord
	err := r.db.Where("account_id = ?", accountID).
		Order("handed_off_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CountByAccount returns how many handoffs exist for an account
func (r *HandoffRepository) CountByAccount(accountID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.HandoffRecord{}).
		Where("account_id = ?", accountID).
		Count(&count).Error
	return count, err
}
