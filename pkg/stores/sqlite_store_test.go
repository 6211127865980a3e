package stores

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/stores/storetest"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return setupTestStore(t)
	})
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestMemoryStoreUsesOneConnection(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 8})
	if err != nil {
		t.Fatal(err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("MaxOpenConns = %d, want 1", store.cfg.MaxOpenConns)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"deployment_requests", "deployment_results", "request_processes", "component_status"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "deployd.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	if _, err := Open(ctx, Config{Driver: "mysql"}); err == nil {
		t.Error("expected an error for an unsupported driver")
	}
	if _, err := Open(ctx, Config{Driver: DriverPostgres}); err == nil {
		t.Error("expected an error for postgres without a dsn")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		numbered bool
		query    string
		want     string
	}{
		{"sqlite", false, "UPDATE t SET a = ? WHERE id IN (?, ?)", "UPDATE t SET a = ? WHERE id IN (?, ?)"},
		{"postgres", true, "UPDATE t SET a = ? WHERE id IN (?, ?)", "UPDATE t SET a = $1 WHERE id IN ($2, $3)"},
		{"no params", true, "DELETE FROM t", "DELETE FROM t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dialect{numbered: tt.numbered}.rebind(tt.query)
			if got != tt.want {
				t.Errorf("rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextTimestampsSortChronologically(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Nanosecond),
	}
	var prev string
	for i, ts := range times {
		v, err := textTime(ts).Value()
		if err != nil {
			t.Fatal(err)
		}
		s := v.(string)
		if i > 0 && s <= prev {
			t.Errorf("%q does not sort after %q", s, prev)
		}
		prev = s

		var scanned nullTime
		if err := scanned.Scan(s); err != nil {
			t.Fatalf("Scan(%q) failed: %v", s, err)
		}
		if !scanned.Time.Equal(ts) {
			t.Errorf("round trip = %v, want %v", scanned.Time, ts)
		}
	}

	var null nullTime
	if err := null.Scan(nil); err != nil || null.Ptr() != nil {
		t.Errorf("NULL should scan to an invalid time, got %v %v", null, err)
	}
}

// TestConcurrentClaims races several schedulers for the same pending request
// on a file database. Exactly one conditional update may win.
func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "claims.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	req := &engine.DeploymentRequest{Environment: "staging", Project: "billing", Build: "7"}
	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}

	const schedulers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for i := 0; i < schedulers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.TransitionIf(ctx, []int64{req.ID}, engine.RequestStatusPending, engine.RequestStatusRequesting)
			if err != nil {
				t.Errorf("TransitionIf failed: %v", err)
				return
			}
			wins.Add(n)
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("claims won = %d, want 1", wins.Load())
	}
}
