package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailwatch/internal/config"
	"mailwatch/internal/provider"
	"mailwatch/internal/repository"
	"mailwatch/internal/services"
	"mailwatch/internal/utils"

	"gorm.io/gorm"
)

type apiFixture struct {
	server   *httptest.Server
	db       *gorm.DB
	accounts *repository.AccountRepository
	stub     *stubProvider
}

func newAPIFixture(t *testing.T, delta provider.Delta) *apiFixture {
	t.Helper()
	db := openTestDB(t)
	accounts := repository.NewAccountRepository(db)
	channels := repository.NewChannelRepository(db)
	handoffs := repository.NewHandoffRepository(db)

	stub := &stubProvider{delta: delta}
	consumer := services.NewLedgerConsumer(handoffs, nil)
	reconciler := services.NewReconciler(stub, accounts, consumer)

	cfg := config.SyncConfig{
		Workers:          1,
		QueueDepth:       8,
		RegisterAttempts: 1,
		RetryBackoff:     time.Millisecond,
		ProviderTimeout:  5 * time.Second,
		NearMissWindow:   time.Hour,
	}
	registrar := services.NewRegistrar(stub, accounts, channels, "projects/p/topics/t", cfg)
	trigger := services.NewManualTrigger(registrar, reconciler, accounts, cfg)

	pool := services.NewWorkerPool(reconciler, cfg)
	if err := pool.Start(); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(pool.Stop)

	handler := NewAPIHandler(accounts, handoffs, channels, trigger)
	router := NewRouter(handler, NewNotificationHandler(accounts, pool), NewEventSocketHandler(services.NewEventBroker()), "secret", utils.NewLogger("test"))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, db: db, accounts: accounts, stub: stub}
}

func (f *apiFixture) request(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestAccountLifecycle(t *testing.T) {
	f := newAPIFixture(t, provider.Delta{Cursor: 500})

	resp := f.request(t, "POST", "/api/accounts", []byte(`{"emailAddress":"user@example.com","token":{"access_token":"at","refresh_token":"rt","token_type":"Bearer"}}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	var created AccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	resp.Body.Close()
	if created.AutomationEnabled {
		t.Error("new account must start with automation disabled")
	}

	// Duplicate registration is rejected.
	resp = f.request(t, "POST", "/api/accounts", []byte(`{"emailAddress":"user@example.com"}`))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Enabling automation registers the watch and runs the first sync.
	resp = f.request(t, "POST", fmt.Sprintf("/api/accounts/%d/automation", created.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status %d", resp.StatusCode)
	}
	resp.Body.Close()

	got, err := f.accounts.GetByID(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AutomationEnabled || got.Cursor != 500 || got.WatchExpiry == nil {
		t.Errorf("account after enable: %+v", got)
	}

	// Lookup by email serves the CLI.
	resp = f.request(t, "GET", "/api/accounts?email=user@example.com", nil)
	var listed []AccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Errorf("lookup %+v", listed)
	}

	resp = f.request(t, "DELETE", fmt.Sprintf("/api/accounts/%d", created.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status %d", resp.StatusCode)
	}
	resp.Body.Close()

	if _, err := f.accounts.GetByID(created.ID); !errors.Is(err, repository.ErrAccountNotFound) {
		t.Errorf("account still present: %v", err)
	}
}

func TestSyncNowEndpointStatusMapping(t *testing.T) {
	f := newAPIFixture(t, provider.Delta{MessageIDs: []string{"m1"}, Cursor: 42})
	account := seedReceiverAccount(t, f.db, "user@example.com", 41, true)

	resp := f.request(t, "POST", fmt.Sprintf("/api/accounts/%d/sync-now", account.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync-now status %d", resp.StatusCode)
	}
	var result services.SyncNowResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if result.NewMessageCount != 1 || result.Cursor != 42 {
		t.Errorf("result %+v", result)
	}

	// Unknown account.
	resp = f.request(t, "POST", "/api/accounts/9999/sync-now", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown account status %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Permission failure surfaces remediation in a 403.
	f.stub.mu.Lock()
	f.stub.registerErr = &provider.PermissionDeniedError{
		Grantee: "service-77@gcp-sa-gmail.iam.gserviceaccount.com",
		Role:    "roles/pubsub.publisher",
		Topic:   "projects/p/topics/t",
		Err:     errors.New("403"),
	}
	f.stub.mu.Unlock()

	resp = f.request(t, "POST", fmt.Sprintf("/api/accounts/%d/sync-now", account.ID), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("permission status %d, want 403", resp.StatusCode)
	}
	var apiErr ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	resp.Body.Close()
	if !strings.Contains(apiErr.Error, "service-77@gcp-sa-gmail.iam.gserviceaccount.com") {
		t.Errorf("remediation missing from %q", apiErr.Error)
	}

	// Transient failure maps to 502.
	f.stub.mu.Lock()
	f.stub.registerErr = &provider.TransientError{Code: 503, Err: errors.New("unavailable")}
	f.stub.mu.Unlock()

	resp = f.request(t, "POST", fmt.Sprintf("/api/accounts/%d/sync-now", account.ID), nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("transient status %d, want 502", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHandoffLedgerEndpoint(t *testing.T) {
	f := newAPIFixture(t, provider.Delta{MessageIDs: []string{"m1", "m2"}, Cursor: 42})
	account := seedReceiverAccount(t, f.db, "user@example.com", 41, true)

	resp := f.request(t, "POST", fmt.Sprintf("/api/accounts/%d/sync-now", account.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync-now status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.request(t, "GET", fmt.Sprintf("/api/accounts/%d/handoffs", account.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handoffs status %d", resp.StatusCode)
	}
	var ledger HandoffListResponse
	if err := json.NewDecoder(resp.Body).Decode(&ledger); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	resp.Body.Close()
	if ledger.Total != 2 || len(ledger.Records) != 2 {
		t.Errorf("ledger %+v", ledger)
	}
}

func TestManagementEndpointsRequireToken(t *testing.T) {
	f := newAPIFixture(t, provider.Delta{})

	resp, err := http.Get(f.server.URL + "/api/accounts")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated list status %d, want 401", resp.StatusCode)
	}

	// The push endpoint and health check stay open.
	resp, err = http.Post(f.server.URL+"/api/notifications/gmail", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("push endpoint status %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(f.server.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status %d, want 200", resp.StatusCode)
	}
}
