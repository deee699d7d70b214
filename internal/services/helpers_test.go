package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mailwatch/internal/config"
	"mailwatch/internal/models"
	"mailwatch/internal/provider"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.WatchChannel{}, &models.HandoffRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, email string, cursor uint64, enabled bool) *models.Account {
	t.Helper()
	account := &models.Account{EmailAddress: email, Cursor: cursor, AutomationEnabled: enabled}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		SweepInterval:    time.Hour,
		RenewalHorizon:   24 * time.Hour,
		Workers:          2,
		QueueDepth:       16,
		RegisterAttempts: 3,
		RetryBackoff:     time.Millisecond,
		MaxRetryBackoff:  5 * time.Millisecond,
		ProviderTimeout:  5 * time.Second,
		NearMissWindow:   time.Hour,
	}
}

// fakeProvider is a scriptable Provider. registerErrs is consumed one
// entry per RegisterWatch call; a nil entry means success.
type fakeProvider struct {
	mu sync.Mutex

	baseline      provider.Baseline
	registerErrs  []error
	registerCalls int

	delta     provider.Delta
	listErr   error
	listDelay time.Duration
	listCalls int

	profile      provider.Profile
	profileCalls int
	recent       []string
}

func (f *fakeProvider) RegisterWatch(ctx context.Context, account *models.Account) (provider.Baseline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		if err != nil {
			return provider.Baseline{}, err
		}
	}
	return f.baseline, nil
}

func (f *fakeProvider) ListHistory(ctx context.Context, account *models.Account, fromCursor uint64) (provider.Delta, error) {
	f.mu.Lock()
	f.listCalls++
	delay, err, delta := f.listDelay, f.listErr, f.delta
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return provider.Delta{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return provider.Delta{}, err
	}
	return delta, nil
}

func (f *fakeProvider) ListRecent(ctx context.Context, account *models.Account) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

func (f *fakeProvider) GetProfile(ctx context.Context, account *models.Account) (provider.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	return f.profile, nil
}

func (f *fakeProvider) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// fakeConsumer records accepted batches and can be set to reject them.
type fakeConsumer struct {
	mu      sync.Mutex
	err     error
	batches [][]string
}

func (c *fakeConsumer) Accept(ctx context.Context, account *models.Account, result *models.SyncResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	ids := make([]string, len(result.MessageIDs))
	copy(ids, result.MessageIDs)
	c.batches = append(c.batches, ids)
	return nil
}

func (c *fakeConsumer) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *fakeConsumer) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func accountCursor(t *testing.T, db *gorm.DB, id uint) uint64 {
	t.Helper()
	var account models.Account
	if err := db.First(&account, id).Error; err != nil {
		t.Fatalf("reload account: %v", err)
	}
	return account.Cursor
}
