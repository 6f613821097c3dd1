package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/interfaces"
	"github.com/bobmcallan/fittransfer/internal/models"
)

// driverIdleSleep is how long the driver loop sleeps when no pending jobs
// exist (spec.md §5).
const driverIdleSleep = 1 * time.Second

// sourceFormat is the activity file format downloaded for every item
// (spec.md §4.7 step 3: "format=FIT").
const sourceFormat = "fit"

// Worker is C7: the background execution engine. One instance exists per
// process (spec.md §9 "global singleton worker"), constructed explicitly
// and held by the HTTP layer; Reset() supports test isolation.
type Worker struct {
	store       interfaces.StateStore
	factory     interfaces.ClientFactory
	secrets     interfaces.SecretStore
	settings    *SettingsService
	renderer    *TemplateRenderer
	probe       *DuplicateProbe
	downloadDir string
	sourcePlat  string
	sinkPlat    string
	logger      *common.Logger

	running   atomic.Bool
	paused    atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	currentID atomic.Value // string
	mu        sync.Mutex
}

// NewWorker constructs a Worker. sourcePlatform/sinkPlatform select the
// SecretStore namespace used to authenticate per-item clients.
func NewWorker(
	store interfaces.StateStore,
	factory interfaces.ClientFactory,
	secrets interfaces.SecretStore,
	settings *SettingsService,
	renderer *TemplateRenderer,
	probe *DuplicateProbe,
	downloadDir, sourcePlatform, sinkPlatform string,
	logger *common.Logger,
) *Worker {
	w := &Worker{
		store:       store,
		factory:     factory,
		secrets:     secrets,
		settings:    settings,
		renderer:    renderer,
		probe:       probe,
		downloadDir: downloadDir,
		sourcePlat:  sourcePlatform,
		sinkPlat:    sinkPlatform,
		logger:      logger,
	}
	w.currentID.Store("")
	return w
}

// safeGo launches a goroutine with panic recovery and logging.
func (w *Worker) safeGo(wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in transfer worker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the driver loop. Safe to call once; a second call is a
// no-op while already running.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.driverLoop(w.stopCh, w.doneCh)
	w.logger.Info().Msg("transfer worker started")
}

// Stop requests the driver loop to stop. runJob checks the signal only
// between batches, so items already submitted run their whole pipeline
// first. If wait is true, it blocks for up to timeout for that to happen
// (spec.md §5). Returns false if the timeout elapsed first.
func (w *Worker) Stop(wait bool, timeout time.Duration) bool {
	w.mu.Lock()
	if !w.running.Load() {
		w.mu.Unlock()
		return true
	}
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	if !wait {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("transfer worker stop timed out; in-flight requests finish under their own timeouts")
		return false
	}
}

// Pause sets the cooperative pause signal. runJob checks it only between
// batches: items already submitted run their whole pipeline, retries
// included, before the job is marked paused.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume clears the pause signal.
func (w *Worker) Resume() { w.paused.Store(false) }

// Reset stops the worker (without waiting) and clears all state, for test
// isolation (spec.md §9).
func (w *Worker) Reset() {
	w.mu.Lock()
	if w.running.Load() {
		close(w.stopCh)
	}
	w.mu.Unlock()
	w.running.Store(false)
	w.paused.Store(false)
	w.currentID.Store("")
}

// Status is the shape returned by GET /worker/status (spec.md §6).
type Status struct {
	Running      bool   `json:"running"`
	Paused       bool   `json:"paused"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

// StatusSnapshot returns the worker's current status.
func (w *Worker) StatusSnapshot() Status {
	return Status{
		Running:      w.running.Load(),
		Paused:       w.paused.Load(),
		CurrentJobID: w.currentID.Load().(string),
	}
}

// ProcessJob marks a job pending (if not already) and ensures the worker is
// running (spec.md §4.7 process_job).
func (w *Worker) ProcessJob(ctx context.Context, jobID string) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending {
		if err := w.store.UpdateJobStatus(ctx, jobID, models.JobStatusPending, ""); err != nil {
			return err
		}
	}
	w.Start()
	return nil
}

// driverLoop repeatedly picks the oldest pending job and drives it to
// completion (spec.md §4.7 "Loop").
func (w *Worker) driverLoop(stop chan struct{}, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		select {
		case <-stop:
			w.running.Store(false)
			return
		default:
		}

		job, err := w.nextPendingJob(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("driver: failed to fetch next pending job")
		}
		if job == nil {
			select {
			case <-stop:
				w.running.Store(false)
				return
			case <-time.After(driverIdleSleep):
				continue
			}
		}

		w.currentID.Store(job.ID)
		if err := w.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, ""); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job running")
			w.currentID.Store("")
			continue
		}
		w.runJob(ctx, job, stop)
		w.currentID.Store("")
	}
}

// nextPendingJob picks the oldest job in status=pending (spec.md §5:
// "Jobs are processed in ascending created_at order").
func (w *Worker) nextPendingJob(ctx context.Context) (*models.Job, error) {
	jobs, err := w.store.ListJobs(ctx, 0)
	if err != nil {
		return nil, err
	}
	var oldest *models.Job
	for _, j := range jobs {
		if j.Status != models.JobStatusPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	return oldest, nil
}

// runJob is the "Inner loop (per job)" of spec.md §4.7.
func (w *Worker) runJob(ctx context.Context, job *models.Job, stop chan struct{}) {
	concurrency := job.SettingsSnapshot.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	for {
		select {
		case <-stop:
			return
		default:
		}
		if w.paused.Load() {
			if err := w.store.UpdateJobStatus(ctx, job.ID, models.JobStatusPaused, ""); err != nil {
				w.logger.Warn().Err(err).Msg("failed to mark job paused")
			}
			for w.paused.Load() {
				select {
				case <-stop:
					return
				case <-time.After(200 * time.Millisecond):
				}
			}
			if err := w.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, ""); err != nil {
				w.logger.Warn().Err(err).Msg("failed to resume job")
			}
		}

		items, err := w.store.PendingItems(ctx, job.ID, concurrency)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to fetch pending items")
			w.failJob(ctx, job.ID, err)
			return
		}
		if len(items) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, item := range items {
			// Step 3: atomically claim by setting status=downloading.
			downloading := models.ItemStatusDownloading
			if err := w.store.UpdateItem(ctx, item.ID, models.ItemPatch{Status: &downloading}); err != nil {
				w.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to claim item")
				continue
			}
			it := item
			w.safeGo(&wg, "item-"+it.ID, func() {
				w.processItem(ctx, job, it)
			})
		}
		wg.Wait()

		if _, err := w.store.RecomputeCounts(ctx, job.ID); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to recompute counts")
		}
	}

	w.finishJob(ctx, job.ID)
}

// finishJob implements spec.md §4.7 "Job completion".
func (w *Worker) finishJob(ctx context.Context, jobID string) {
	counts, err := w.store.RecomputeCounts(ctx, jobID)
	if err != nil {
		w.failJob(ctx, jobID, err)
		return
	}
	status := models.JobStatusCompleted
	if counts.Failed > 0 && counts.Success == 0 {
		status = models.JobStatusFailed
	}
	if err := w.store.UpdateJobStatus(ctx, jobID, status, ""); err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to finalize job status")
	}
}

func (w *Worker) failJob(ctx context.Context, jobID string, cause error) {
	if err := w.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, cause.Error()); err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job failed")
	}
}

// processItem is the "Per-item pipeline" of spec.md §4.7, run in its own
// goroutine with its own source/sink clients (spec.md §9: clients are not
// thread-safe and are never shared across items).
func (w *Worker) processItem(ctx context.Context, job *models.Job, item *models.Item) {
	settings := job.SettingsSnapshot
	policy := NewRetryPolicy(settings.Retry)

	for attempt := 1; attempt <= settings.Retry.MaxAttempts; attempt++ {
		outcome, retryable, err := w.attemptItem(ctx, job, item, settings)
		if err == nil {
			w.finalizeSuccess(ctx, job, item, outcome, settings)
			return
		}

		if !retryable {
			w.finalizeFailure(ctx, item, err)
			return
		}

		if _, rerr := w.store.IncrementRetry(ctx, item.ID); rerr != nil {
			w.logger.Error().Err(rerr).Str("item_id", item.ID).Msg("failed to increment retry count")
		}
		if attempt >= settings.Retry.MaxAttempts {
			w.finalizeFailure(ctx, item, err)
			return
		}

		delay := policy.Delay(attempt)
		w.logger.Warn().Str("item_id", item.ID).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("item attempt failed, retrying")
		time.Sleep(delay)

		pending := models.ItemStatusPending
		if perr := w.store.UpdateItem(ctx, item.ID, models.ItemPatch{Status: &pending}); perr != nil {
			w.logger.Error().Err(perr).Str("item_id", item.ID).Msg("failed to reset item to pending before retry")
		}
		downloading := models.ItemStatusDownloading
		if perr := w.store.UpdateItem(ctx, item.ID, models.ItemPatch{Status: &downloading}); perr != nil {
			w.logger.Error().Err(perr).Str("item_id", item.ID).Msg("failed to re-claim item for retry")
		}
	}
}

// itemOutcome carries the result of a single attempt (download, upload and,
// on a fresh upload, metadata apply) through to the final-update stage.
type itemOutcome struct {
	sinkID    string
	skipped   bool
	localPath string
}

// attemptItem runs steps 1-5 of spec.md §4.7's per-item pipeline for a
// single attempt (step 5, metadata apply, only after a fresh upload that
// returned a sink id). The bool return indicates whether the error is
// retry-eligible.
func (w *Worker) attemptItem(ctx context.Context, job *models.Job, item *models.Item, settings models.Settings) (itemOutcome, bool, error) {
	source := w.factory.NewSourceClient()
	sink := w.factory.NewSinkClient()

	if w.secrets != nil {
		if email, pass, err := w.secrets.Get(ctx, w.sourcePlat, "source"); err == nil {
			if ok, lerr := source.Login(ctx, email, pass); !ok || lerr != nil {
				return itemOutcome{}, false, &AuthError{Platform: w.sourcePlat, Reason: "source login failed"}
			}
		}
		if email, pass, err := w.secrets.Get(ctx, w.sinkPlat, "sink"); err == nil {
			if ok, lerr := sink.Login(ctx, email, pass); !ok || lerr != nil {
				return itemOutcome{}, false, &AuthError{Platform: w.sinkPlat, Reason: "sink login failed"}
			}
		}
	}

	localPath := w.cachePath(item)
	if _, err := os.Stat(localPath); err != nil {
		if merr := os.MkdirAll(filepath.Dir(localPath), 0o755); merr != nil {
			return itemOutcome{}, false, &PermanentIOError{Op: "mkdir_cache_dir", Err: merr}
		}
		downloaded, derr := source.Download(ctx, item.SourceID, item.SportCode, sourceFormat, localPath)
		if derr != nil {
			return itemOutcome{}, true, &TransientIOError{Op: "download", Err: derr}
		}
		if downloaded == "" {
			return itemOutcome{}, true, &TransientIOError{Op: "download", Err: fmt.Errorf("missing result for source_id %s", item.SourceID)}
		}
		localPath = downloaded
	}

	if err := w.applyTCXFix(localPath); err != nil {
		return itemOutcome{}, false, &PermanentIOError{Op: "fix_tcx", Err: err}
	}

	uploading := models.ItemStatusUploading
	if err := w.store.UpdateItem(ctx, item.ID, models.ItemPatch{Status: &uploading, LocalPath: &localPath}); err != nil {
		w.logger.Warn().Err(err).Str("item_id", item.ID).Msg("failed to record uploading status")
	}

	outcome, uerr := sink.UploadFIT(ctx, localPath, item.ActivityName, item.ActivityTime)
	if uerr != nil {
		return itemOutcome{}, true, &TransientIOError{Op: "upload", Err: uerr}
	}

	if outcome.Duplicate {
		return itemOutcome{sinkID: models.DuplicateSinkID, skipped: true, localPath: localPath}, false, nil
	}
	if outcome.Ambiguous {
		if sinkID, ok := w.probe.Confirm(ctx, sink, item.ActivityTime); ok {
			return itemOutcome{sinkID: sinkID, skipped: true, localPath: localPath}, false, nil
		}
		return itemOutcome{}, true, &AmbiguousUploadError{}
	}
	if outcome.SinkID == "" {
		return itemOutcome{}, true, &TransientIOError{Op: "upload", Err: fmt.Errorf("empty sink id without duplicate/ambiguous signal")}
	}

	w.applyMetadata(ctx, sink, outcome.SinkID, item, settings)
	return itemOutcome{sinkID: outcome.SinkID, localPath: localPath}, false, nil
}

// applyMetadata is spec.md §4.7 step 5: warning-only, never downgrades item
// status. Errors are collected into a semicolon-joined metadata_error.
func (w *Worker) applyMetadata(ctx context.Context, sink interfaces.SinkClient, sinkID string, item *models.Item, settings models.Settings) {
	tctx := BuildTemplateContext(models.Activity{
		SourceID:  item.SourceID,
		SportCode: item.SportCode,
		Name:      item.ActivityName,
		StartTime: item.ActivityTime,
	}, settings)
	renderer := w.renderer

	var errs []string

	title := renderer.Render(settings.Naming.TitleTemplate, tctx)
	if title != "" {
		if err := sink.SetActivityName(ctx, sinkID, title); err != nil {
			errs = append(errs, (&MetadataError{Op: "set_name", Err: err}).Error())
		}
	}

	description := renderer.Render(settings.Naming.DescriptionTemplate, tctx)
	if description != "" {
		if err := sink.SetActivityDescription(ctx, sinkID, description); err != nil {
			errs = append(errs, (&MetadataError{Op: "set_description", Err: err}).Error())
		}
	}

	if settings.Privacy.Visibility != "default" {
		if err := sink.SetActivityPrivacy(ctx, sinkID, settings.Privacy.Visibility); err != nil {
			errs = append(errs, (&MetadataError{Op: "set_privacy", Err: err}).Error())
		}
	}

	if settings.Gear.Enabled && settings.Gear.GearID != "" {
		if err := sink.LinkGear(ctx, settings.Gear.GearID, sinkID); err != nil {
			errs = append(errs, (&MetadataError{Op: "link_gear", Err: err}).Error())
		}
	}

	metadataStatus := models.MetadataStatusSuccess
	metadataError := ""
	if len(errs) > 0 {
		metadataStatus = models.MetadataStatusFailed
		metadataError = strings.Join(errs, "; ")
	}
	if err := w.store.UpdateItem(ctx, item.ID, models.ItemPatch{
		MetadataStatus: &metadataStatus,
		MetadataError:  &metadataError,
	}); err != nil {
		w.logger.Warn().Err(err).Str("item_id", item.ID).Msg("failed to record metadata status")
	}
}

func (w *Worker) finalizeSuccess(ctx context.Context, job *models.Job, item *models.Item, outcome itemOutcome, settings models.Settings) {
	status := models.ItemStatusSuccess
	if outcome.skipped {
		status = models.ItemStatusSkipped
	}
	metadataStatus := models.MetadataStatusSuccess
	if outcome.skipped {
		metadataStatus = models.MetadataStatusSkipped
	}
	patch := models.ItemPatch{
		Status:    &status,
		SinkID:    &outcome.sinkID,
		LocalPath: &outcome.localPath,
	}
	if outcome.skipped {
		patch.MetadataStatus = &metadataStatus
	}
	if err := w.store.UpdateItem(ctx, item.ID, patch); err != nil {
		w.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to finalize item success")
	}
}

func (w *Worker) finalizeFailure(ctx context.Context, item *models.Item, cause error) {
	status := models.ItemStatusFailed
	msg := cause.Error()
	if err := w.store.UpdateItem(ctx, item.ID, models.ItemPatch{Status: &status, ErrorMessage: &msg}); err != nil {
		w.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to finalize item failure")
	}
}

// cachePath is the stable on-disk location for a downloaded activity file
// (spec.md §6 persisted layout): <downloads>/source/<sport_code>/<source_id>.fit
func (w *Worker) cachePath(item *models.Item) string {
	dir := filepath.Join(w.downloadDir, "source", fmt.Sprintf("%d", item.SportCode))
	return filepath.Join(dir, item.SourceID+"."+sourceFormat)
}

// applyTCXFix rewrites a downloaded TCX file in place through
// FixTCXExtensions; other formats (by extension) pass through unmodified.
func (w *Worker) applyTCXFix(path string) error {
	if !strings.HasSuffix(strings.ToLower(path), ".tcx") {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fixed := FixTCXExtensions(content)
	return os.WriteFile(path, fixed, 0o644)
}
