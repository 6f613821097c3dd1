package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testActivities() []models.Activity {
	return []models.Activity{
		{SourceID: "src-1", SportCode: 1, Name: "Morning Run", StartTime: "1700000000"},
		{SourceID: "src-2", SportCode: 2, Name: "Evening Ride", StartTime: "1700003600"},
	}
}

func TestStore_CreateJob_PersistsJobAndItems(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{Status: models.JobStatusPending, StartDate: time.Now(), EndDate: time.Now(), SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}

	id, err := store.CreateJob(context.Background(), job, testActivities())
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty job id")
	}

	got, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Total != 2 {
		t.Errorf("expected total=2, got %d", got.Total)
	}
	if got.SettingsSnapshot.Concurrency != models.DefaultSettings().Concurrency {
		t.Errorf("settings snapshot not round-tripped correctly: %+v", got.SettingsSnapshot)
	}

	items, err := store.ListItems(context.Background(), id, "", 0)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, it := range items {
		if it.Status != models.ItemStatusPending {
			t.Errorf("expected item status pending, got %s", it.Status)
		}
	}
}

func TestStore_GetJob_NotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetJob(context.Background(), "does-not-exist"); err == nil {
		t.Error("expected an error for a missing job")
	}
}

func TestStore_UpdateItem_PartialPatchLeavesOtherFieldsUnchanged(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}
	jobID, _ := store.CreateJob(context.Background(), job, testActivities())
	items, _ := store.ListItems(context.Background(), jobID, "", 0)
	itemID := items[0].ID

	downloading := models.ItemStatusDownloading
	if err := store.UpdateItem(context.Background(), itemID, models.ItemPatch{Status: &downloading}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	sinkID := "sink-123"
	if err := store.UpdateItem(context.Background(), itemID, models.ItemPatch{SinkID: &sinkID}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	refreshed, err := store.ListItems(context.Background(), jobID, "", 0)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	var updated *models.Item
	for _, it := range refreshed {
		if it.ID == itemID {
			updated = it
		}
	}
	if updated == nil {
		t.Fatal("item not found after update")
	}
	if updated.Status != models.ItemStatusDownloading {
		t.Errorf("expected status preserved from earlier patch, got %s", updated.Status)
	}
	if updated.SinkID != sinkID {
		t.Errorf("expected sink_id set, got %q", updated.SinkID)
	}
}

func TestStore_IncrementRetry(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}
	jobID, _ := store.CreateJob(context.Background(), job, testActivities())
	items, _ := store.ListItems(context.Background(), jobID, "", 0)

	count, err := store.IncrementRetry(context.Background(), items[0].ID)
	if err != nil {
		t.Fatalf("IncrementRetry failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected retry_count=1, got %d", count)
	}
	count, err = store.IncrementRetry(context.Background(), items[0].ID)
	if err != nil {
		t.Fatalf("IncrementRetry failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected retry_count=2, got %d", count)
	}
}

func TestStore_RecomputeCounts_ReflectsItemStatuses(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}
	jobID, _ := store.CreateJob(context.Background(), job, testActivities())
	items, _ := store.ListItems(context.Background(), jobID, "", 0)

	success := models.ItemStatusSuccess
	store.UpdateItem(context.Background(), items[0].ID, models.ItemPatch{Status: &success})
	failed := models.ItemStatusFailed
	store.UpdateItem(context.Background(), items[1].ID, models.ItemPatch{Status: &failed})

	counts, err := store.RecomputeCounts(context.Background(), jobID)
	if err != nil {
		t.Fatalf("RecomputeCounts failed: %v", err)
	}
	if counts.Total != 2 || counts.Success != 1 || counts.Failed != 1 || counts.Completed != 2 {
		t.Errorf("unexpected counts: %+v", counts)
	}

	got, _ := store.GetJob(context.Background(), jobID)
	if got.Success != 1 || got.Failed != 1 {
		t.Errorf("expected job row counts updated, got success=%d failed=%d", got.Success, got.Failed)
	}
}

func TestStore_CancelJob_FailsPendingItemsOnly(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{Status: models.JobStatusRunning, SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}
	jobID, _ := store.CreateJob(context.Background(), job, append(testActivities(), models.Activity{SourceID: "src-3", StartTime: "1700007200"}))
	items, _ := store.ListItems(context.Background(), jobID, "", 0)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	success := models.ItemStatusSuccess
	store.UpdateItem(context.Background(), items[0].ID, models.ItemPatch{Status: &success})
	downloading := models.ItemStatusDownloading
	store.UpdateItem(context.Background(), items[1].ID, models.ItemPatch{Status: &downloading})
	// items[2] is left pending.

	if err := store.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	got, _ := store.GetJob(context.Background(), jobID)
	if got.Status != models.JobStatusCancelled {
		t.Errorf("expected job cancelled, got %s", got.Status)
	}

	refreshed, _ := store.ListItems(context.Background(), jobID, "", 0)
	for _, it := range refreshed {
		switch it.ID {
		case items[0].ID:
			if it.Status != models.ItemStatusSuccess {
				t.Errorf("expected already-successful item to remain untouched, got %s", it.Status)
			}
		case items[1].ID:
			if it.Status != models.ItemStatusDownloading {
				t.Errorf("expected in-flight downloading item to be left alone by cancel (spec.md §4.1 scopes cancel to pending items only), got %s", it.Status)
			}
		case items[2].ID:
			if it.Status != models.ItemStatusFailed || it.ErrorMessage != models.CancelledError {
				t.Errorf("expected pending item to be cancelled, got status=%s err=%s", it.Status, it.ErrorMessage)
			}
		}
	}
}

// TestStore_UpdateItem_CannotResurrectAnAlreadyFailedItemToSuccess
// exercises the race the guard in UpdateItem closes: once an item has been
// force-failed (e.g. by a cancel that found it pending), an in-flight
// goroutine's finalize-success write for it must lose the race rather than
// flip it back to success (spec.md §8: a cancelled item never transitions
// to success or skipped).
func TestStore_UpdateItem_CannotResurrectAnAlreadyFailedItemToSuccess(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}
	jobID, _ := store.CreateJob(context.Background(), job, testActivities())
	items, _ := store.ListItems(context.Background(), jobID, "", 0)

	failed := models.ItemStatusFailed
	cancelMsg := models.CancelledError
	if err := store.UpdateItem(context.Background(), items[0].ID, models.ItemPatch{Status: &failed, ErrorMessage: &cancelMsg}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	success := models.ItemStatusSuccess
	sinkID := "sink-1"
	if err := store.UpdateItem(context.Background(), items[0].ID, models.ItemPatch{Status: &success, SinkID: &sinkID}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	refreshed, _ := store.ListItems(context.Background(), jobID, "", 0)
	for _, it := range refreshed {
		if it.ID == items[0].ID {
			if it.Status != models.ItemStatusFailed {
				t.Errorf("expected the item to remain failed after a late success write, got %s", it.Status)
			}
		}
	}
}

func TestStore_CancelJob_NoOpOnTerminalJob(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{Status: models.JobStatusCompleted, SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}
	jobID, _ := store.CreateJob(context.Background(), job, testActivities())

	if err := store.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	got, _ := store.GetJob(context.Background(), jobID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("expected status to remain completed, got %s", got.Status)
	}
}

func TestStore_DeleteJob_RemovesJobAndItems(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}
	jobID, _ := store.CreateJob(context.Background(), job, testActivities())

	if err := store.DeleteJob(context.Background(), jobID); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := store.GetJob(context.Background(), jobID); err == nil {
		t.Error("expected job to be gone")
	}
	items, err := store.ListItems(context.Background(), jobID, "", 0)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items after delete, got %d", len(items))
	}
}

func TestStore_GetSettings_DefaultsWhenUnset(t *testing.T) {
	store := openTestStore(t)
	settings, err := store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if settings.Concurrency != models.DefaultSettings().Concurrency {
		t.Errorf("expected default settings, got %+v", settings)
	}
}

func TestStore_SaveSettings_RoundTrips(t *testing.T) {
	store := openTestStore(t)
	settings := models.DefaultSettings()
	settings.Concurrency = 8
	settings.Naming.TitleTemplate = "{sport}"

	if err := store.SaveSettings(context.Background(), settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	got, err := store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if got.Concurrency != 8 || got.Naming.TitleTemplate != "{sport}" {
		t.Errorf("settings did not round-trip, got %+v", got)
	}
}

func TestStore_PendingItems_OnlyReturnsPendingStatus(t *testing.T) {
	store := openTestStore(t)
	job := &models.Job{SettingsSnapshot: models.DefaultSettings(), CreatedAt: time.Now().UTC()}
	jobID, _ := store.CreateJob(context.Background(), job, testActivities())
	items, _ := store.ListItems(context.Background(), jobID, "", 0)

	success := models.ItemStatusSuccess
	store.UpdateItem(context.Background(), items[0].ID, models.ItemPatch{Status: &success})

	pending, err := store.PendingItems(context.Background(), jobID, 0)
	if err != nil {
		t.Fatalf("PendingItems failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(pending))
	}
	if pending[0].ID != items[1].ID {
		t.Errorf("expected remaining pending item to be items[1], got %s", pending[0].ID)
	}
}

func TestStore_DB_SharesHandleWithSecrets(t *testing.T) {
	store := openTestStore(t)
	if store.DB() == nil {
		t.Fatal("expected DB() to expose a non-nil handle")
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&count); err != nil {
		t.Fatalf("expected accounts table to exist on the shared handle: %v", err)
	}
}
