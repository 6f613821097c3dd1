package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/interfaces"
	"github.com/bobmcallan/fittransfer/internal/models"
)

// SettingsService is C2: holds the singleton transfer policy, validates
// updates, and renders per-item previews (spec.md §4.2).
type SettingsService struct {
	store    interfaces.StateStore
	renderer *TemplateRenderer
	logger   *common.Logger

	mu      sync.RWMutex
	current models.Settings
	loaded  bool
}

// NewSettingsService constructs a SettingsService backed by the given
// StateStore for durability.
func NewSettingsService(store interfaces.StateStore, renderer *TemplateRenderer, logger *common.Logger) *SettingsService {
	return &SettingsService{store: store, renderer: renderer, logger: logger}
}

// Get returns the current settings, loading the persisted document (or the
// default) on first access.
func (s *SettingsService) Get(ctx context.Context) (models.Settings, error) {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		return s.current, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.current, nil
	}
	loaded, err := s.store.GetSettings(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	s.current = loaded
	s.loaded = true
	return s.current, nil
}

// Save deep-merges partial into the current settings, validates field by
// field, and only commits if the error map is empty (spec.md §4.2).
func (s *SettingsService) Save(ctx context.Context, partial models.Settings) (models.Settings, map[string]string, error) {
	current, err := s.Get(ctx)
	if err != nil {
		return models.Settings{}, nil, err
	}

	merged := mergeSettings(current, partial)
	if errs := validateSettings(merged); len(errs) > 0 {
		return models.Settings{}, errs, nil
	}
	if err := s.renderer.Validate(merged.Naming.TitleTemplate); err != nil {
		ve, _ := err.(*ValidationError)
		fields := map[string]string{"naming.title_template": "invalid template"}
		if ve != nil {
			for k, v := range ve.Fields {
				fields[k] = v
			}
		}
		return models.Settings{}, fields, nil
	}
	if err := s.renderer.Validate(merged.Naming.DescriptionTemplate); err != nil {
		return models.Settings{}, map[string]string{"naming.description_template": "invalid template"}, nil
	}

	merged.Version = current.Version + 1

	if err := s.store.SaveSettings(ctx, merged); err != nil {
		return models.Settings{}, nil, err
	}

	s.mu.Lock()
	s.current = merged
	s.loaded = true
	s.mu.Unlock()

	return merged, nil, nil
}

// mergeSettings deep-merges non-zero fields of partial into base.
func mergeSettings(base, partial models.Settings) models.Settings {
	merged := base
	if partial.Concurrency != 0 {
		merged.Concurrency = partial.Concurrency
	}
	if partial.Retry.MaxAttempts != 0 {
		merged.Retry.MaxAttempts = partial.Retry.MaxAttempts
	}
	if partial.Retry.BaseDelaySeconds != 0 {
		merged.Retry.BaseDelaySeconds = partial.Retry.BaseDelaySeconds
	}
	if partial.Retry.MaxDelaySeconds != 0 {
		merged.Retry.MaxDelaySeconds = partial.Retry.MaxDelaySeconds
	}
	if partial.Naming.TitleTemplate != "" {
		merged.Naming.TitleTemplate = partial.Naming.TitleTemplate
	}
	if partial.Naming.DescriptionTemplate != "" {
		merged.Naming.DescriptionTemplate = partial.Naming.DescriptionTemplate
	}
	if partial.Privacy.Visibility != "" {
		merged.Privacy.Visibility = partial.Privacy.Visibility
	}
	merged.Gear.Enabled = partial.Gear.Enabled || merged.Gear.Enabled
	if partial.Gear.GearID != "" {
		merged.Gear.GearID = partial.Gear.GearID
	}
	if len(partial.SportMapping) > 0 {
		merged.SportMapping = partial.SportMapping
	}
	return merged
}

// validateSettings enforces the field-level ranges of spec.md §4.2,
// returning a dotted-path-keyed error map.
func validateSettings(s models.Settings) map[string]string {
	errs := map[string]string{}
	if s.Concurrency < 1 || s.Concurrency > 10 {
		errs["concurrency"] = "must be between 1 and 10"
	}
	if s.Retry.MaxAttempts < 1 || s.Retry.MaxAttempts > 10 {
		errs["retry.max_attempts"] = "must be between 1 and 10"
	}
	if s.Retry.BaseDelaySeconds < 0 || s.Retry.BaseDelaySeconds > 60 {
		errs["retry.base_delay_seconds"] = "must be between 0 and 60"
	}
	if s.Retry.MaxDelaySeconds < 1 || s.Retry.MaxDelaySeconds > 300 {
		errs["retry.max_delay_seconds"] = "must be between 1 and 300"
	}
	if len(s.Naming.TitleTemplate) > 200 {
		errs["naming.title_template"] = "must be at most 200 characters"
	}
	if len(s.Naming.DescriptionTemplate) > 1000 {
		errs["naming.description_template"] = "must be at most 1000 characters"
	}
	switch s.Privacy.Visibility {
	case "default", "private", "public":
	default:
		errs["privacy.visibility"] = "must be one of default, private, public"
	}
	return errs
}

// PreviewResult is the {rendered, patch, context} triple spec.md §4.2 and
// original_source/fitness_toolkit/services/transfer_settings.py::preview
// describe.
type PreviewResult struct {
	Rendered TemplateContext        `json:"rendered"`
	Patch    map[string]interface{} `json:"patch"`
	Context  TemplateContext        `json:"context"`
}

// Preview builds the template context, renders title/description, and
// assembles the intended metadata-apply patch. Pure: never mutates state.
func (s *SettingsService) Preview(ctx context.Context, activity models.Activity, override *models.Settings) (PreviewResult, error) {
	settings, err := s.Get(ctx)
	if err != nil {
		return PreviewResult{}, err
	}
	if override != nil {
		settings = *override
	}

	tctx := BuildTemplateContext(activity, settings)
	title := s.renderer.Render(settings.Naming.TitleTemplate, tctx)
	description := s.renderer.Render(settings.Naming.DescriptionTemplate, tctx)

	patch := map[string]interface{}{
		"name": title,
	}
	if description != "" {
		patch["description"] = description
	}
	if settings.Privacy.Visibility != "default" {
		patch["privacy"] = map[string]string{"typeKey": settings.Privacy.Visibility}
	}
	if settings.Gear.Enabled && settings.Gear.GearID != "" {
		patch["gear_id"] = settings.Gear.GearID
	}

	return PreviewResult{
		Rendered: TemplateContext{"title": title, "description": description},
		Patch:    patch,
		Context:  tctx,
	}, nil
}

// BuildTemplateContext assembles the whitelisted TemplateContext for an
// activity (spec.md §4.3 variable list), grounded on
// original_source/fitness_toolkit/services/transfer_settings.py::_build_template_context.
func BuildTemplateContext(a models.Activity, settings models.Settings) TemplateContext {
	sportName := settings.SportMapping[a.SportCode]
	if sportName == "" {
		sportName = fmt.Sprintf("sport-%d", a.SportCode)
	}

	ctx := TemplateContext{
		"label_id":         a.SourceID,
		"sport":            sportName,
		"sport_type":       a.SportCode,
		"start_time":       a.StartTime,
		"duration_seconds": a.DurationS,
		"distance_m":       a.DistanceM,
		"distance_km":      roundTo(a.DistanceM/1000, 2),
		"name":             a.Name,
		"calories":         a.Calories,
	}
	if t, ok := ParseActivityTime(a.StartTime); ok {
		ctx["start_local"] = t
	}
	ctx["duration_formatted"] = formatDuration(a.DurationS)
	return ctx
}

func roundTo(v float64, places int) float64 {
	shift := 1.0
	for i := 0; i < places; i++ {
		shift *= 10
	}
	return float64(int64(v*shift+0.5)) / shift
}

// formatDuration renders seconds as "H:MM:SS" or "M:SS", matching
// original_source/fitness_toolkit/services/transfer_settings.py duration formatting.
func formatDuration(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
