package repository

import (
	"errors"
	"time"

	"mailwatch/internal/models"

	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when no account matches the lookup.
var ErrAccountNotFound = errors.New("account not found")

// AccountRepository handles database operations for Account
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetDB returns the database connection
func (r *AccountRepository) GetDB() *gorm.DB {
	return r.db
}

// Create creates a new account
func (r *AccountRepository) Create(account *models.Account) error {
	return r.db.Create(account).Error
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(id uint) (*models.Account, error) {
	var account models.Account
	err := r.db.First(&account, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByEmail retrieves an account by email address
func (r *AccountRepository) GetByEmail(email string) (*models.Account, error) {
	var account models.Account
	err := r.db.Where("email_address = ?", email).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAll retrieves all accounts
func (r *AccountRepository) GetAll() ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.Order("email_address").Find(&accounts).Error
	return accounts, err
}

// Delete removes an account and its dependent rows
func (r *AccountRepository) Delete(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&models.WatchChannel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.HandoffRecord{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Account{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
}

// ListExpiringBefore returns automation-enabled accounts whose watch
// expires before the horizon, including accounts with no watch yet.
func (r *AccountRepository) ListExpiringBefore(horizon time.Time) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.
		Where("automation_enabled = ?", true).
		Where("watch_expiry IS NULL OR watch_expiry < ?", horizon).
		Order("watch_expiry").
		Find(&accounts).Error
	return accounts, err
}

// CommitCursor advances the cursor for an account. The guard clause keeps
// the cursor monotonic: a stale commit matches no rows and is reported as
// not committed rather than as an error.
func (r *AccountRepository) CommitCursor(id uint, cursor uint64) (bool, error) {
	res := r.db.Model(&models.Account{}).
		Where("id = ? AND cursor <= ?", id, cursor).
		Update("cursor", cursor)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateWatch records a successful watch registration. The cursor is
// seeded from the baseline only when the account has never synced;
// renewals leave an established cursor untouched.
func (r *AccountRepository) UpdateWatch(id uint, baseline uint64, expiry, renewedAt time.Time) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Account{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"watch_expiry":    expiry,
				"last_renewed_at": renewedAt,
				"last_error":      "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		return tx.Model(&models.Account{}).
			Where("id = ? AND cursor = 0", id).
			Update("cursor", baseline).Error
	})
}

// SetAutomation toggles automatic renewal and reconciliation
func (r *AccountRepository) SetAutomation(id uint, enabled bool) error {
	res := r.db.Model(&models.Account{}).
		Where("id = ?", id).
		Update("automation_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DisableAutomation clears the automation flag and records why
func (r *AccountRepository) DisableAutomation(id uint, reason string) error {
	res := r.db.Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"automation_enabled": false,
			"last_error":         reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetLastError records the most recent failure without touching automation
func (r *AccountRepository) SetLastError(id uint, reason string) error {
	return r.db.Model(&models.Account{}).
		Where("id = ?", id).
		Update("last_error", reason).Error
}

// UpdateToken persists a refreshed OAuth token
func (r *AccountRepository) UpdateToken(id uint, token models.OAuthToken) error {
	return r.db.Model(&models.Account{}).
		Where("id = ?", id).
		Update("token", token).Error
}
