package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/security"
	sqlstore "github.com/goliatone/go-shopify/store/sql"
	"github.com/goliatone/go-shopify/webhooks"
)

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"shopify_sessions", "shopify_webhook_deliveries"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestOpen_RejectsUnknownDriverAndMissingDSN(t *testing.T) {
	if _, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "mysql", DSN: "x"}); core.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported driver, got %v", err)
	}
	if _, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "sqlite3"}); core.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing dsn, got %v", err)
	}
}

func TestSessionStore_StoreLoadReplaceAndDelete(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.SessionStore()
	if store == nil || factory.WebhookDeliveryStore() == nil {
		t.Fatalf("expected session and delivery stores from factory")
	}

	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	online := core.Session{
		ID:          core.OnlineSessionID("test-shop.myshopify.com", "42"),
		Shop:        "test-shop",
		State:       "state-1",
		IsOnline:    true,
		Scope:       "read_products,write_orders",
		Expires:     &expires,
		AccessToken: "shpua_online",
		OnlineAccessInfo: &core.OnlineAccessInfo{
			ExpiresIn:           86399,
			AssociatedUserScope: "read_products",
			UserID:              42,
			Email:               "owner@example.com",
			AccountOwner:        true,
		},
	}
	if err := store.StoreSession(ctx, online); err != nil {
		t.Fatalf("store online session: %v", err)
	}

	loaded, err := store.LoadSession(ctx, online.ID)
	if err != nil {
		t.Fatalf("load online session: %v", err)
	}
	if loaded.Shop != "test-shop.myshopify.com" {
		t.Fatalf("expected sanitized shop, got %q", loaded.Shop)
	}
	if !loaded.IsOnline || loaded.AccessToken != "shpua_online" || loaded.Scope != online.Scope {
		t.Fatalf("unexpected loaded session %#v", loaded)
	}
	if loaded.Expires == nil || !loaded.Expires.Equal(expires) {
		t.Fatalf("expected expiry %s, got %v", expires, loaded.Expires)
	}
	if loaded.OnlineAccessInfo == nil || loaded.OnlineAccessInfo.UserID != 42 || !loaded.OnlineAccessInfo.AccountOwner {
		t.Fatalf("expected online access info round trip, got %#v", loaded.OnlineAccessInfo)
	}

	online.AccessToken = "shpua_rotated"
	online.Expires = nil
	if err := store.StoreSession(ctx, online); err != nil {
		t.Fatalf("replace online session: %v", err)
	}
	loaded, err = store.LoadSession(ctx, online.ID)
	if err != nil {
		t.Fatalf("reload online session: %v", err)
	}
	if loaded.AccessToken != "shpua_rotated" || loaded.Expires != nil {
		t.Fatalf("expected replaced columns, got %#v", loaded)
	}

	if err := store.DeleteSession(ctx, online.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := store.LoadSession(ctx, online.ID); core.HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %v", err)
	}
	if err := store.DeleteSession(ctx, online.ID); err != nil {
		t.Fatalf("expected deleting a missing session to be a no-op, got %v", err)
	}
}

func TestSessionStore_FindByShopAndDeleteMany(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewSessionStore(client.DB())
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}

	sessions := []core.Session{
		{ID: core.OfflineSessionID("alpha.myshopify.com"), Shop: "alpha.myshopify.com", AccessToken: "a1"},
		{ID: core.OnlineSessionID("alpha.myshopify.com", "7"), Shop: "alpha.myshopify.com", IsOnline: true, AccessToken: "a2"},
		{ID: core.OfflineSessionID("beta.myshopify.com"), Shop: "beta.myshopify.com", AccessToken: "b1"},
	}
	for _, session := range sessions {
		if err := store.StoreSession(ctx, session); err != nil {
			t.Fatalf("store session %s: %v", session.ID, err)
		}
	}

	found, err := store.FindSessionsByShop(ctx, "alpha")
	if err != nil {
		t.Fatalf("find sessions by shop: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected two alpha sessions, got %d", len(found))
	}
	ids := []string{found[0].ID, found[1].ID}
	if err := store.DeleteSessions(ctx, ids); err != nil {
		t.Fatalf("delete sessions: %v", err)
	}

	found, err = store.FindSessionsByShop(ctx, "alpha.myshopify.com")
	if err != nil {
		t.Fatalf("find sessions after delete: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected alpha sessions to be gone, got %d", len(found))
	}
	if _, err := store.LoadSession(ctx, sessions[2].ID); err != nil {
		t.Fatalf("expected beta session to survive, got %v", err)
	}

	if _, err := store.FindSessionsByShop(ctx, "https://evil.example.com"); core.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid shop, got %v", err)
	}
	if err := store.StoreSession(ctx, core.Session{Shop: "alpha"}); core.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing session id, got %v", err)
	}
}

func TestSessionStore_TokenCipherSealsAccessTokenAtRest(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	tokens, err := security.NewTokenCipherFromString("at-rest-key", security.WithKeyID("v1"))
	if err != nil {
		t.Fatalf("new token cipher: %v", err)
	}
	factory, err := sqlstore.NewRepositoryFactoryFromDB(client.DB(), sqlstore.WithTokenCipher(tokens))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.SessionStore()

	session := core.Session{ID: core.OfflineSessionID("gamma.myshopify.com"), Shop: "gamma.myshopify.com", AccessToken: "shpat_secret"}
	if err := store.StoreSession(ctx, session); err != nil {
		t.Fatalf("store session: %v", err)
	}

	var raw string
	if err := client.DB().NewRaw("SELECT access_token FROM shopify_sessions WHERE id = ?", session.ID).Scan(ctx, &raw); err != nil {
		t.Fatalf("read raw access token: %v", err)
	}
	if !security.IsSealed(raw) || raw == session.AccessToken {
		t.Fatalf("expected sealed access token column, got %q", raw)
	}

	loaded, err := store.LoadSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if loaded.AccessToken != "shpat_secret" {
		t.Fatalf("expected decrypted token, got %q", loaded.AccessToken)
	}
	found, err := store.FindSessionsByShop(ctx, "gamma")
	if err != nil || len(found) != 1 || found[0].AccessToken != "shpat_secret" {
		t.Fatalf("expected decrypted token from shop lookup, got %#v err=%v", found, err)
	}

	plain, err := sqlstore.NewSessionStore(client.DB())
	if err != nil {
		t.Fatalf("new plain store: %v", err)
	}
	legacy := core.Session{ID: core.OfflineSessionID("delta.myshopify.com"), Shop: "delta.myshopify.com", AccessToken: "shpat_legacy"}
	if err := plain.StoreSession(ctx, legacy); err != nil {
		t.Fatalf("store legacy session: %v", err)
	}
	loaded, err = store.LoadSession(ctx, legacy.ID)
	if err != nil || loaded.AccessToken != "shpat_legacy" {
		t.Fatalf("expected plaintext row to load through the cipher, got %q err=%v", loaded.AccessToken, err)
	}
}

func TestWebhookDeliveryStore_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewWebhookDeliveryStore(client.DB())
	if err != nil {
		t.Fatalf("new webhook delivery store: %v", err)
	}
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	first, claimed, err := store.Claim(ctx, "wh-1", "test-shop.myshopify.com", "products/create", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected first claim, got claimed=%t err=%v", claimed, err)
	}
	if first.ClaimID != "wh-1:1" || first.Status != webhooks.DeliveryStatusProcessing || first.Topic != "PRODUCTS_CREATE" {
		t.Fatalf("unexpected first claim %#v", first)
	}

	if _, claimed, err := store.Claim(ctx, "wh-1", "test-shop.myshopify.com", "products/create", time.Minute); err != nil || claimed {
		t.Fatalf("expected in-flight claim to be refused, got claimed=%t err=%v", claimed, err)
	}

	if err := store.Release(ctx, first.ClaimID, errors.New("handler exploded")); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, err := store.Get(ctx, "wh-1")
	if err != nil {
		t.Fatalf("get released: %v", err)
	}
	if released.Status != webhooks.DeliveryStatusRetryReady || released.LastError != "handler exploded" || released.LeaseUntil != nil {
		t.Fatalf("unexpected released record %#v", released)
	}

	second, claimed, err := store.Claim(ctx, "wh-1", "test-shop.myshopify.com", "products/create", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected retry claim, got claimed=%t err=%v", claimed, err)
	}
	if second.ClaimID != "wh-1:2" || second.Attempts != 2 {
		t.Fatalf("unexpected retry claim %#v", second)
	}

	// The first claim is stale now and must not settle the row.
	if err := store.Complete(ctx, first.ClaimID); err != nil {
		t.Fatalf("complete stale claim: %v", err)
	}
	if record, _ := store.Get(ctx, "wh-1"); record.Status != webhooks.DeliveryStatusProcessing {
		t.Fatalf("expected stale completion to be ignored, got %q", record.Status)
	}

	if err := store.Complete(ctx, second.ClaimID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := store.Get(ctx, "wh-1")
	if err != nil {
		t.Fatalf("get completed: %v", err)
	}
	if done.Status != webhooks.DeliveryStatusProcessed || done.CompletedAt == nil || done.LastError != "" {
		t.Fatalf("unexpected completed record %#v", done)
	}
	if _, claimed, err := store.Claim(ctx, "wh-1", "test-shop.myshopify.com", "products/create", time.Minute); err != nil || claimed {
		t.Fatalf("expected processed delivery to be refused, got claimed=%t err=%v", claimed, err)
	}
}

func TestWebhookDeliveryStore_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewWebhookDeliveryStore(client.DB())
	if err != nil {
		t.Fatalf("new webhook delivery store: %v", err)
	}
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	if _, claimed, err := store.Claim(ctx, "wh-lease", "", "orders/paid", 30*time.Second); err != nil || !claimed {
		t.Fatalf("expected first claim, got claimed=%t err=%v", claimed, err)
	}
	now = now.Add(time.Minute)
	record, claimed, err := store.Claim(ctx, "wh-lease", "", "orders/paid", 30*time.Second)
	if err != nil || !claimed {
		t.Fatalf("expected expired lease to be reclaimed, got claimed=%t err=%v", claimed, err)
	}
	if record.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", record.Attempts)
	}
}

func TestWebhookDeliveryStore_GetAndSettleErrors(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewWebhookDeliveryStore(client.DB())
	if err != nil {
		t.Fatalf("new webhook delivery store: %v", err)
	}
	if _, err := store.Get(ctx, "missing"); core.HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404 for missing delivery, got %v", err)
	}
	if err := store.Complete(ctx, "not-a-claim"); core.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed claim id, got %v", err)
	}
	if err := store.Complete(ctx, "missing:1"); core.HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown claim, got %v", err)
	}
	if _, _, err := store.Claim(ctx, " ", "", "", 0); core.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty webhook id, got %v", err)
	}
}

func TestWebhookDeliveryStore_ConcurrentClaimsAdmitOne(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewWebhookDeliveryStore(client.DB())
	if err != nil {
		t.Fatalf("new webhook delivery store: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claims  int
		callErr error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := store.Claim(ctx, "wh-race", "", "orders/create", time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && callErr == nil {
				callErr = err
			}
			if claimed {
				claims++
			}
		}()
	}
	wg.Wait()
	if callErr != nil {
		t.Fatalf("concurrent claim: %v", callErr)
	}
	if claims != 1 {
		t.Fatalf("expected exactly one claim, got %d", claims)
	}
}

func TestDispatcher_WithSQLLedgerSkipsCompletedDuplicate(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	ledger, err := sqlstore.NewWebhookDeliveryStore(client.DB())
	if err != nil {
		t.Fatalf("new webhook delivery store: %v", err)
	}

	calls := 0
	registry := webhooks.NewRegistry(nil)
	if err := registry.AddHandlers(map[string][]webhooks.HandlerDefinition{
		"ORDERS_CREATE": {webhooks.HTTPHandler{CallbackPath: "/webhooks", Callback: func(context.Context, webhooks.Delivery) error {
			calls++
			return nil
		}}},
	}); err != nil {
		t.Fatalf("add handlers: %v", err)
	}
	dispatcher := webhooks.NewDispatcher(registry, "secret", webhooks.WithLedger(ledger))

	body := []byte(`{"id":9}`)
	headers := http.Header{}
	headers.Set(webhooks.HeaderTopic, "orders/create")
	headers.Set(webhooks.HeaderShopDomain, "test-shop.myshopify.com")
	headers.Set(webhooks.HeaderWebhookID, "wh-dispatch")
	headers.Set(webhooks.HeaderHMAC, webhooks.SignBase64(body, "secret"))

	for attempt := range 2 {
		result, err := dispatcher.Process(ctx, webhooks.ProcessRequest{Body: body, Headers: headers, Path: "/webhooks"})
		if err != nil {
			t.Fatalf("process attempt %d: %v", attempt, err)
		}
		if result.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 on attempt %d, got %d", attempt, result.StatusCode)
		}
		if attempt == 1 && !result.Duplicate {
			t.Fatalf("expected second delivery to be reported as duplicate")
		}
	}
	if calls != 1 {
		t.Fatalf("expected handlers to run once, got %d", calls)
	}
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:shopify-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	client, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return client, func() {
		_ = client.Close()
	}
}
