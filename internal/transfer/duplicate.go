package transfer

import (
	"context"
	"math"
	"time"

	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/interfaces"
)

// DefaultDuplicateConfirmWindowSeconds is the default W in spec.md §4.5 step 3,
// overridable by the DUPLICATE_CONFIRM_WINDOW_SECONDS environment variable.
const DefaultDuplicateConfirmWindowSeconds = 900

// DefaultDuplicateConfirmSearchDays is the default D in spec.md §4.5 step 2,
// overridable by the DUPLICATE_CONFIRM_SEARCH_DAYS environment variable.
const DefaultDuplicateConfirmSearchDays = 1

// DuplicateProbe is C5: best-effort confirmation that an ambiguous upload
// actually landed, by scanning the sink's recent activity list around a
// target start time (spec.md §4.5). Grounded on
// original_source/fitness_toolkit/tests/test_garmin_duplicate_confirm.py.
type DuplicateProbe struct {
	WindowSeconds int
	SearchDays    int
	logger        *common.Logger
}

// NewDuplicateProbe constructs a DuplicateProbe with the given window/search
// parameters (spec.md §6 environment variables).
func NewDuplicateProbe(windowSeconds, searchDays int, logger *common.Logger) *DuplicateProbe {
	if windowSeconds <= 0 {
		windowSeconds = DefaultDuplicateConfirmWindowSeconds
	}
	if searchDays <= 0 {
		searchDays = DefaultDuplicateConfirmSearchDays
	}
	return &DuplicateProbe{WindowSeconds: windowSeconds, SearchDays: searchDays, logger: logger}
}

// Confirm implements spec.md §4.5 steps 1-4: it queries the sink's activity
// list over [start-D, start+D] days and returns the id of the nearest
// activity within W seconds of target, or ("", false) if none qualifies.
// Ties are broken by smallest absolute delta, then by order of appearance
// (spec.md §8 invariant).
func (p *DuplicateProbe) Confirm(ctx context.Context, sink interfaces.SinkClient, targetStartRaw string) (string, bool) {
	target, ok := ParseActivityTime(targetStartRaw)
	if !ok {
		if p.logger != nil {
			p.logger.Warn().Str("start_time", targetStartRaw).Msg("duplicate probe: unparseable target start time")
		}
		return "", false
	}

	window := time.Duration(p.SearchDays) * 24 * time.Hour
	startRange := target.Add(-window)
	endRange := target.Add(window)

	activities, err := sink.ListActivities(ctx, startRange.Format("2006-01-02"), endRange.Format("2006-01-02"))
	if err != nil {
		if p.logger != nil {
			p.logger.Warn().Err(err).Msg("duplicate probe: sink list_activities failed")
		}
		return "", false
	}

	bestID := ""
	bestDelta := math.Inf(1)
	for _, a := range activities {
		candidateTime, ok := ParseActivityTime(a.StartTime)
		if !ok {
			continue
		}
		delta := math.Abs(candidateTime.Sub(target).Seconds())
		if delta > float64(p.WindowSeconds) {
			continue
		}
		if delta < bestDelta {
			bestDelta = delta
			bestID = a.SourceID
		}
	}
	return bestID, bestID != ""
}
