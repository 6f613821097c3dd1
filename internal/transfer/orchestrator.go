package transfer

import (
	"context"
	"time"

	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/interfaces"
	"github.com/bobmcallan/fittransfer/internal/models"
)

// Orchestrator is C8: creates a job from a date range by enumerating
// activities at the source, snapshots settings, and enqueues items
// (spec.md §4.8).
type Orchestrator struct {
	store         interfaces.StateStore
	factory       interfaces.ClientFactory
	secrets       interfaces.SecretStore
	settings      *SettingsService
	sourcePlat    string
	sinkPlat      string
	logger        *common.Logger
}

// NewOrchestrator constructs a JobOrchestrator.
func NewOrchestrator(
	store interfaces.StateStore,
	factory interfaces.ClientFactory,
	secrets interfaces.SecretStore,
	settings *SettingsService,
	sourcePlatform, sinkPlatform string,
	logger *common.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		factory:    factory,
		secrets:    secrets,
		settings:   settings,
		sourcePlat: sourcePlatform,
		sinkPlat:   sinkPlatform,
		logger:     logger,
	}
}

// CreateJob implements spec.md §4.8 create_job.
func (o *Orchestrator) CreateJob(ctx context.Context, startDate, endDate time.Time, sportFilter []int) (string, error) {
	source := o.factory.NewSourceClient()
	sink := o.factory.NewSinkClient()

	if o.secrets != nil {
		srcEmail, srcPass, err := o.secrets.Get(ctx, o.sourcePlat, "source")
		if err != nil {
			return "", &AuthError{Platform: o.sourcePlat, Reason: "no source credentials"}
		}
		if ok, lerr := source.Login(ctx, srcEmail, srcPass); !ok || lerr != nil {
			return "", &AuthError{Platform: o.sourcePlat, Reason: "source login failed"}
		}

		sinkEmail, sinkPass, err := o.secrets.Get(ctx, o.sinkPlat, "sink")
		if err != nil {
			return "", &AuthError{Platform: o.sinkPlat, Reason: "no sink credentials"}
		}
		if ok, lerr := sink.Login(ctx, sinkEmail, sinkPass); !ok || lerr != nil {
			return "", &AuthError{Platform: o.sinkPlat, Reason: "sink login failed"}
		}
	}

	activities, err := o.enumerateActivities(ctx, source, startDate, endDate, sportFilter)
	if err != nil {
		return "", err
	}

	settings, err := o.settings.Get(ctx)
	if err != nil {
		return "", err
	}

	job := &models.Job{
		Status:           models.JobStatusPending,
		StartDate:        startDate,
		EndDate:          endDate,
		SportFilter:      sportFilter,
		SettingsSnapshot: settings,
		CreatedAt:        time.Now().UTC(),
	}

	return o.store.CreateJob(ctx, job, activities)
}

// enumerateActivities implements spec.md §4.8 step 3 with a single
// SourceClient.ListActivities call; paging and any delay between pages are
// left to the client.
func (o *Orchestrator) enumerateActivities(ctx context.Context, source interfaces.SourceClient, startDate, endDate time.Time, sportFilter []int) ([]models.Activity, error) {
	startStr := startDate.Format("2006-01-02")
	endStr := endDate.Format("2006-01-02")

	activities, err := source.ListActivities(ctx, startStr, endStr, sportFilter)
	if err != nil {
		return nil, &TransientIOError{Op: "list_activities", Err: err}
	}
	return activities, nil
}

// CancelJob cancels a non-terminal job (spec.md §4.1 cancel_job).
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	return o.store.CancelJob(ctx, id)
}

// DeleteJob removes a job and its items (spec.md §4.1 delete_job).
func (o *Orchestrator) DeleteJob(ctx context.Context, id string) error {
	return o.store.DeleteJob(ctx, id)
}

// RerunMetadata reapplies the metadata stage for all items with
// metadata_status=failed, using the original settings_snapshot and
// existing sink_id (spec.md §4.8).
func (o *Orchestrator) RerunMetadata(ctx context.Context, jobID string, renderer *TemplateRenderer, factory interfaces.ClientFactory, secrets interfaces.SecretStore, sinkPlatform string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	items, err := o.store.ListItems(ctx, jobID, models.ItemStatusSuccess, 0)
	if err != nil {
		return err
	}
	skipped, err := o.store.ListItems(ctx, jobID, models.ItemStatusSkipped, 0)
	if err != nil {
		return err
	}
	items = append(items, skipped...)

	sink := factory.NewSinkClient()
	if secrets != nil {
		email, pass, serr := secrets.Get(ctx, sinkPlatform, "sink")
		if serr == nil {
			if ok, lerr := sink.Login(ctx, email, pass); !ok || lerr != nil {
				return &AuthError{Platform: sinkPlatform, Reason: "sink login failed"}
			}
		}
	}

	worker := &Worker{renderer: renderer, store: o.store, logger: o.logger}
	for _, item := range items {
		if item.MetadataStatus != models.MetadataStatusFailed {
			continue
		}
		if item.SinkID == "" {
			continue
		}
		worker.applyMetadata(ctx, sink, item.SinkID, item, job.SettingsSnapshot)
	}
	return nil
}
