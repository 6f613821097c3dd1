// Package interfaces defines the service contracts the transfer pipeline
// consumes: durable storage and the two vendor-platform collaborators.
package interfaces

import (
	"context"

	"github.com/bobmcallan/fittransfer/internal/models"
)

// StateStore is the durable, embedded relational store for jobs, items, and
// settings (spec.md §4.1, component C1). All multi-row mutations are
// transactional; concurrent UpdateItem calls for the same item serialize.
type StateStore interface {
	CreateJob(ctx context.Context, job *models.Job, activities []models.Activity) (string, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListItems(ctx context.Context, jobID string, status string, limit int) ([]*models.Item, error)
	PendingItems(ctx context.Context, jobID string, limit int) ([]*models.Item, error)

	UpdateJobStatus(ctx context.Context, id string, status string, errMsg string) error
	UpdateItem(ctx context.Context, id string, patch models.ItemPatch) error
	IncrementRetry(ctx context.Context, itemID string) (int, error)
	RecomputeCounts(ctx context.Context, jobID string) (models.JobCounts, error)

	CancelJob(ctx context.Context, id string) error
	DeleteJob(ctx context.Context, id string) error

	GetSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, settings models.Settings) error

	Close() error
}

// Activity mirrors models.Activity; source/sink clients return these.
type Activity = models.Activity

// SourceClient is the opaque collaborator that enumerates and downloads
// activities from the origin platform (spec.md §6). Instances are NOT safe
// for concurrent use — the worker constructs one per item (spec.md §4.7/§9).
type SourceClient interface {
	Login(ctx context.Context, email, password string) (bool, error)
	ListActivities(ctx context.Context, startDate, endDate string, sportFilter []int) ([]Activity, error)
	Download(ctx context.Context, sourceID string, sportCode int, format string, savePath string) (string, error)
}

// UploadOutcome is the result of SinkClient.UploadFIT. Exactly one of
// SinkID/Duplicate/Ambiguous is meaningful; UploadFIT returns a non-nil
// error alongside it on hard failure.
type UploadOutcome struct {
	SinkID    string
	Duplicate bool // sink returned the explicit "duplicate" sentinel
	Ambiguous bool // sink returned neither success nor failure (empty result)
}

// SinkClient is the opaque collaborator that uploads activities and applies
// post-upload metadata on the destination platform (spec.md §6). Instances
// are NOT safe for concurrent use.
type SinkClient interface {
	Login(ctx context.Context, email, password string) (bool, error)
	UploadFIT(ctx context.Context, path, name, startTime string) (UploadOutcome, error)
	ListActivities(ctx context.Context, startDate, endDate string) ([]Activity, error)

	SetActivityName(ctx context.Context, sinkID, name string) error
	SetActivityDescription(ctx context.Context, sinkID, description string) error
	SetActivityPrivacy(ctx context.Context, sinkID, visibility string) error
	LinkGear(ctx context.Context, gearID, sinkID string) error
}

// SecretStore retrieves platform credentials with symmetric at-rest
// encryption (spec.md §6). platform is a caller-defined namespace (e.g.
// "coros", "garmin"); role is "source" or "sink".
type SecretStore interface {
	Get(ctx context.Context, platform, role string) (email, password string, err error)
	Set(ctx context.Context, platform, role, email, password string) error
	Delete(ctx context.Context, platform, role string) error
	List(ctx context.Context) ([]models.Account, error)
}

// ClientFactory constructs a fresh, unauthenticated SourceClient/SinkClient
// pair. The worker calls this once per item (spec.md §9: "per-thread client
// construction... a shared pool would require library-level locking").
type ClientFactory interface {
	NewSourceClient() SourceClient
	NewSinkClient() SinkClient
}
