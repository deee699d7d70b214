package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailwatch/internal/provider"
	"mailwatch/internal/repository"
)

func newTestRegistrar(t *testing.T, fake *fakeProvider) (*Registrar, *repository.AccountRepository, *repository.ChannelRepository) {
	t.Helper()
	db := openTestDB(t)
	accounts := repository.NewAccountRepository(db)
	channels := repository.NewChannelRepository(db)
	return NewRegistrar(fake, accounts, channels, "projects/p/topics/t", testSyncConfig()), accounts, channels
}

func permissionErr() *provider.PermissionDeniedError {
	return &provider.PermissionDeniedError{
		Grantee: "service-123@gcp-sa-gmail.iam.gserviceaccount.com",
		Role:    "roles/pubsub.publisher",
		Topic:   "projects/p/topics/t",
		Err:     errors.New("403"),
	}
}

func TestRegisterRecordsWatchAndSeedsCursor(t *testing.T) {
	expiry := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	fake := &fakeProvider{baseline: provider.Baseline{Cursor: 500, Expiry: expiry}}
	registrar, accounts, channels := newTestRegistrar(t, fake)
	account := seedAccount(t, accounts.GetDB(), "a@example.com", 0, true)

	baseline, err := registrar.Register(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if baseline.Cursor != 500 || !baseline.Expiry.Equal(expiry) {
		t.Errorf("baseline %+v", baseline)
	}

	got, _ := accounts.GetByID(account.ID)
	if got.Cursor != 500 {
		t.Errorf("cursor %d, want 500 (seeded from baseline)", got.Cursor)
	}
	if got.WatchExpiry == nil || !got.WatchExpiry.Equal(expiry) {
		t.Errorf("watch expiry %v", got.WatchExpiry)
	}
	if got.LastRenewedAt == nil {
		t.Error("last renewed not set")
	}

	channel, err := channels.GetByAccount(account.ID)
	if err != nil || channel == nil {
		t.Fatalf("channel: %v %v", channel, err)
	}
	if channel.TopicName != "projects/p/topics/t" || channel.Baseline != 500 {
		t.Errorf("channel %+v", channel)
	}
}

func TestRegisterIdempotentRenewal(t *testing.T) {
	first := time.Now().Add(24 * time.Hour)
	fake := &fakeProvider{baseline: provider.Baseline{Cursor: 500, Expiry: first}}
	registrar, accounts, _ := newTestRegistrar(t, fake)
	account := seedAccount(t, accounts.GetDB(), "a@example.com", 0, true)

	if _, err := registrar.Register(context.Background(), account.ID); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	// Advance the mailbox and re-register: the fresh expiry must land,
	// the established cursor must not be rewound by the new baseline.
	if _, err := accounts.CommitCursor(account.ID, 600); err != nil {
		t.Fatal(err)
	}
	second := first.Add(7 * 24 * time.Hour)
	fake.mu.Lock()
	fake.baseline = provider.Baseline{Cursor: 550, Expiry: second}
	fake.mu.Unlock()

	if _, err := registrar.Register(context.Background(), account.ID); err != nil {
		t.Fatalf("second Register: %v", err)
	}
	got, _ := accounts.GetByID(account.ID)
	if got.Cursor != 600 {
		t.Errorf("cursor %d, want 600", got.Cursor)
	}
	if got.WatchExpiry == nil || !got.WatchExpiry.After(first) {
		t.Errorf("renewal did not extend expiry: %v", got.WatchExpiry)
	}
}

func TestRegisterPermissionFailureDisablesAutomation(t *testing.T) {
	fake := &fakeProvider{
		registerErrs: []error{permissionErr(), permissionErr(), permissionErr()},
	}
	registrar, accounts, _ := newTestRegistrar(t, fake)
	account := seedAccount(t, accounts.GetDB(), "a@example.com", 100, true)

	_, err := registrar.Register(context.Background(), account.ID)
	if !provider.IsPermissionDenied(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if fake.registerCalls != 3 {
		t.Errorf("%d attempts, want 3", fake.registerCalls)
	}

	got, _ := accounts.GetByID(account.ID)
	if got.AutomationEnabled {
		t.Error("automation still enabled after terminal permission failure")
	}
	for _, want := range []string{"service-123@gcp-sa-gmail.iam.gserviceaccount.com", "roles/pubsub.publisher", "projects/p/topics/t"} {
		if !strings.Contains(got.LastError, want) {
			t.Errorf("remediation %q missing %q", got.LastError, want)
		}
	}
}

func TestRegisterTransientThenSuccess(t *testing.T) {
	fake := &fakeProvider{
		baseline:     provider.Baseline{Cursor: 500, Expiry: time.Now().Add(time.Hour)},
		registerErrs: []error{&provider.TransientError{Code: 503, Err: errors.New("unavailable")}, nil},
	}
	registrar, accounts, _ := newTestRegistrar(t, fake)
	account := seedAccount(t, accounts.GetDB(), "a@example.com", 0, true)

	if _, err := registrar.Register(context.Background(), account.ID); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if fake.registerCalls != 2 {
		t.Errorf("%d attempts, want 2", fake.registerCalls)
	}
	got, _ := accounts.GetByID(account.ID)
	if !got.AutomationEnabled {
		t.Error("automation disabled by transient failure")
	}
}

func TestRegisterTransientExhaustedKeepsAutomation(t *testing.T) {
	transient := &provider.TransientError{Code: 500, Err: errors.New("backend")}
	fake := &fakeProvider{registerErrs: []error{transient, transient, transient}}
	registrar, accounts, _ := newTestRegistrar(t, fake)
	account := seedAccount(t, accounts.GetDB(), "a@example.com", 100, true)

	if _, err := registrar.Register(context.Background(), account.ID); !provider.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	got, _ := accounts.GetByID(account.ID)
	if !got.AutomationEnabled {
		t.Error("transient exhaustion must leave automation enabled for the next sweep")
	}
	if got.LastError == "" {
		t.Error("last error not recorded")
	}
	if got.Cursor != 100 {
		t.Errorf("cursor moved to %d", got.Cursor)
	}
}

func TestSweepRenewsOnlyExpiringAccounts(t *testing.T) {
	newExpiry := time.Now().Add(7 * 24 * time.Hour)
	fake := &fakeProvider{baseline: provider.Baseline{Cursor: 900, Expiry: newExpiry}}
	registrar, accounts, _ := newTestRegistrar(t, fake)
	db := accounts.GetDB()

	now := time.Now()
	expiring := seedAccount(t, db, "expiring@example.com", 10, true)
	db.Model(expiring).Update("watch_expiry", now.Add(12*time.Hour))

	healthy := seedAccount(t, db, "healthy@example.com", 10, true)
	db.Model(healthy).Update("watch_expiry", now.Add(6*24*time.Hour))

	recent := seedAccount(t, db, "recent@example.com", 10, true)
	db.Model(recent).Updates(map[string]interface{}{
		"watch_expiry":    now.Add(12 * time.Hour),
		"last_renewed_at": now,
	})

	registrar.Sweep(context.Background())

	if fake.registerCalls != 1 {
		t.Fatalf("%d registrations, want 1", fake.registerCalls)
	}
	got, _ := accounts.GetByID(expiring.ID)
	if got.WatchExpiry == nil || !got.WatchExpiry.After(now.Add(24*time.Hour)) {
		t.Errorf("expiring account not renewed: %v", got.WatchExpiry)
	}
	gotHealthy, _ := accounts.GetByID(healthy.ID)
	if gotHealthy.LastRenewedAt != nil {
		t.Error("healthy account was renewed")
	}
}

func TestSweepDisablesOnPersistentPermissionFailure(t *testing.T) {
	fake := &fakeProvider{
		registerErrs: []error{permissionErr(), permissionErr(), permissionErr()},
	}
	registrar, accounts, _ := newTestRegistrar(t, fake)
	db := accounts.GetDB()
	account := seedAccount(t, db, "a@example.com", 10, true)
	db.Model(account).Update("watch_expiry", time.Now().Add(time.Hour))

	registrar.Sweep(context.Background())

	got, _ := accounts.GetByID(account.ID)
	if got.AutomationEnabled {
		t.Error("automation still enabled")
	}
	if !strings.Contains(got.LastError, "roles/pubsub.publisher") {
		t.Errorf("remediation missing: %q", got.LastError)
	}

	// The disabled account must not be selected again.
	fake.mu.Lock()
	fake.registerCalls = 0
	fake.mu.Unlock()
	registrar.Sweep(context.Background())
	if fake.registerCalls != 0 {
		t.Errorf("disabled account renewed %d time(s)", fake.registerCalls)
	}
}

func TestRegistrarStartStop(t *testing.T) {
	fake := &fakeProvider{baseline: provider.Baseline{Cursor: 1, Expiry: time.Now().Add(time.Hour)}}
	registrar, _, _ := newTestRegistrar(t, fake)
	if err := registrar.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	registrar.Stop()
}
