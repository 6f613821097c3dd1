package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/bobmcallan/fittransfer/internal/interfaces"
	"github.com/bobmcallan/fittransfer/internal/models"
)

// fakeSource is a minimal interfaces.SourceClient stub.
type fakeSource struct {
	mu          sync.Mutex
	activities  []interfaces.Activity
	downloadErr error
	loginOK     bool
}

func (f *fakeSource) Login(ctx context.Context, email, password string) (bool, error) {
	return f.loginOK, nil
}

func (f *fakeSource) ListActivities(ctx context.Context, startDate, endDate string, sportFilter []int) ([]interfaces.Activity, error) {
	return f.activities, nil
}

func (f *fakeSource) Download(ctx context.Context, sourceID string, sportCode int, format, savePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	return savePath, nil
}

// fakeSinkUploader is a configurable interfaces.SinkClient used by worker
// tests: it can be told to return success, an explicit duplicate sentinel,
// an ambiguous empty result, or a hard error.
type fakeSinkUploader struct {
	mu         sync.Mutex
	mode       string // "success", "duplicate", "ambiguous", "error"
	nextSinkID int
	uploads    []string
	metaErrs   map[string]bool // op -> force failure
	activities []interfaces.Activity
}

func (f *fakeSinkUploader) Login(ctx context.Context, email, password string) (bool, error) {
	return true, nil
}

func (f *fakeSinkUploader) UploadFIT(ctx context.Context, path, name, startTime string) (interfaces.UploadOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, path)
	switch f.mode {
	case "duplicate":
		return interfaces.UploadOutcome{Duplicate: true}, nil
	case "ambiguous":
		return interfaces.UploadOutcome{Ambiguous: true}, nil
	case "error":
		return interfaces.UploadOutcome{}, fmt.Errorf("upload failed")
	default:
		f.nextSinkID++
		return interfaces.UploadOutcome{SinkID: fmt.Sprintf("sink-%d", f.nextSinkID)}, nil
	}
}

func (f *fakeSinkUploader) ListActivities(ctx context.Context, startDate, endDate string) ([]interfaces.Activity, error) {
	return f.activities, nil
}

func (f *fakeSinkUploader) SetActivityName(ctx context.Context, sinkID, name string) error {
	if f.metaErrs["set_name"] {
		return fmt.Errorf("set name failed")
	}
	return nil
}

func (f *fakeSinkUploader) SetActivityDescription(ctx context.Context, sinkID, description string) error {
	if f.metaErrs["set_description"] {
		return fmt.Errorf("set description failed")
	}
	return nil
}

func (f *fakeSinkUploader) SetActivityPrivacy(ctx context.Context, sinkID, visibility string) error {
	if f.metaErrs["set_privacy"] {
		return fmt.Errorf("set privacy failed")
	}
	return nil
}

func (f *fakeSinkUploader) LinkGear(ctx context.Context, gearID, sinkID string) error {
	if f.metaErrs["link_gear"] {
		return fmt.Errorf("link gear failed")
	}
	return nil
}

// failAfterNSink succeeds on its first failAfter uploads then fails every
// upload after that, used to simulate a partial-failure batch.
type failAfterNSink struct {
	mu        sync.Mutex
	failAfter int
	count     int
	nextID    int
}

func (f *failAfterNSink) Login(ctx context.Context, email, password string) (bool, error) {
	return true, nil
}

func (f *failAfterNSink) UploadFIT(ctx context.Context, path, name, startTime string) (interfaces.UploadOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.count > f.failAfter {
		return interfaces.UploadOutcome{}, fmt.Errorf("simulated upload failure")
	}
	f.nextID++
	return interfaces.UploadOutcome{SinkID: fmt.Sprintf("sink-%d", f.nextID)}, nil
}

func (f *failAfterNSink) ListActivities(ctx context.Context, startDate, endDate string) ([]interfaces.Activity, error) {
	return nil, nil
}
func (f *failAfterNSink) SetActivityName(ctx context.Context, sinkID, name string) error { return nil }
func (f *failAfterNSink) SetActivityDescription(ctx context.Context, sinkID, description string) error {
	return nil
}
func (f *failAfterNSink) SetActivityPrivacy(ctx context.Context, sinkID, visibility string) error {
	return nil
}
func (f *failAfterNSink) LinkGear(ctx context.Context, gearID, sinkID string) error { return nil }

// fakeFactory hands out the same preconfigured source/sink instances to
// every caller, including the concurrent goroutines of
// TestWorker_ConcurrentJob_PartialFailure; the shared fakes guard their own
// state with a mutex.
type fakeFactory struct {
	source interfaces.SourceClient
	sink   interfaces.SinkClient
}

func (f *fakeFactory) NewSourceClient() interfaces.SourceClient { return f.source }
func (f *fakeFactory) NewSinkClient() interfaces.SinkClient     { return f.sink }

// fakeSecrets is a trivial interfaces.SecretStore stub.
type fakeSecrets struct {
	accounts map[string][2]string // key: platform|role -> [email, password]
}

func newFakeSecrets() *fakeSecrets { return &fakeSecrets{accounts: map[string][2]string{}} }

func (f *fakeSecrets) key(platform, role string) string { return platform + "|" + role }

func (f *fakeSecrets) Get(ctx context.Context, platform, role string) (string, string, error) {
	v, ok := f.accounts[f.key(platform, role)]
	if !ok {
		return "", "", fmt.Errorf("no credentials for %s/%s", platform, role)
	}
	return v[0], v[1], nil
}

func (f *fakeSecrets) Set(ctx context.Context, platform, role, email, password string) error {
	f.accounts[f.key(platform, role)] = [2]string{email, password}
	return nil
}

func (f *fakeSecrets) Delete(ctx context.Context, platform, role string) error {
	delete(f.accounts, f.key(platform, role))
	return nil
}

func (f *fakeSecrets) List(ctx context.Context) ([]models.Account, error) {
	var out []models.Account
	for k := range f.accounts {
		out = append(out, models.Account{Platform: k})
	}
	return out, nil
}
