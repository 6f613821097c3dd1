package secrets

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/storage/statestore"
)

func openTestSecretsDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.db")
	store, err := statestore.Open(path, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.DB()
}

func TestStore_Set_Get_RoundTrips(t *testing.T) {
	db := openTestSecretsDB(t)
	store, err := New(db, "correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := store.Set(context.Background(), "garmin", "source", "me@example.com", "hunter2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	email, password, err := store.Get(context.Background(), "garmin", "source")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if email != "me@example.com" || password != "hunter2" {
		t.Errorf("expected round-tripped credentials, got email=%q password=%q", email, password)
	}
}

func TestStore_Get_MissingReturnsError(t *testing.T) {
	db := openTestSecretsDB(t)
	store, _ := New(db, "some-key")

	if _, _, err := store.Get(context.Background(), "strava", "sink"); err == nil {
		t.Error("expected an error for credentials that were never set")
	}
}

func TestStore_Set_UpsertsOnConflict(t *testing.T) {
	db := openTestSecretsDB(t)
	store, _ := New(db, "some-key")

	store.Set(context.Background(), "garmin", "source", "old@example.com", "old-pw")
	store.Set(context.Background(), "garmin", "source", "new@example.com", "new-pw")

	email, password, err := store.Get(context.Background(), "garmin", "source")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if email != "new@example.com" || password != "new-pw" {
		t.Errorf("expected the latest credentials to win, got email=%q password=%q", email, password)
	}

	accounts, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Errorf("expected a single account row after upsert, got %d", len(accounts))
	}
}

func TestStore_Delete_RemovesCredentials(t *testing.T) {
	db := openTestSecretsDB(t)
	store, _ := New(db, "some-key")

	store.Set(context.Background(), "garmin", "source", "me@example.com", "pw")
	if err := store.Delete(context.Background(), "garmin", "source"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, _, err := store.Get(context.Background(), "garmin", "source"); err == nil {
		t.Error("expected an error after deleting credentials")
	}
}

func TestStore_List_NeverExposesDecryptedSecrets(t *testing.T) {
	db := openTestSecretsDB(t)
	store, _ := New(db, "some-key")
	store.Set(context.Background(), "garmin", "source", "me@example.com", "super-secret-password")

	accounts, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	if accounts[0].Platform != "garmin" || accounts[0].Role != "source" || accounts[0].Email != "me@example.com" {
		t.Errorf("unexpected account metadata: %+v", accounts[0])
	}
}

func TestStore_DifferentKeys_CannotDecryptEachOthersCiphertext(t *testing.T) {
	db := openTestSecretsDB(t)
	storeA, _ := New(db, "key-a")
	storeA.Set(context.Background(), "garmin", "source", "me@example.com", "pw")

	storeB, _ := New(db, "key-b")
	if _, _, err := storeB.Get(context.Background(), "garmin", "source"); err == nil {
		t.Error("expected decryption under a different key to fail")
	}
}
