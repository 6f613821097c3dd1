package transfer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bobmcallan/fittransfer/internal/common"
)

// allowedTemplateVars is the closed whitelist TemplateRenderer accepts
// (spec.md §4.3). Anything outside this set is rejected at validation time.
var allowedTemplateVars = map[string]bool{
	"label_id":           true,
	"sport":              true,
	"sport_type":         true,
	"start_time":         true,
	"start_local":        true,
	"duration_seconds":   true,
	"duration_formatted": true,
	"distance_km":        true,
	"distance_m":         true,
	"name":               true,
	"calories":           true,
}

// TemplateContext is the set of whitelisted values a template may reference.
// Not-applicable keys are simply absent; TemplateRenderer treats a missing
// key as an empty-string render, never an error.
type TemplateContext map[string]interface{}

// TemplateRenderer is C3: safe, whitelisted variable substitution for
// title/description strings (spec.md §4.3). Grammar: "{name}" or
// "{name:format_spec}". Unlike text/template, there is no expression
// evaluation or attribute access — this is the hard security boundary
// spec.md §9 calls out, since templates may be set via HTTP.
type TemplateRenderer struct {
	logger *common.Logger
}

// NewTemplateRenderer constructs a TemplateRenderer.
func NewTemplateRenderer(logger *common.Logger) *TemplateRenderer {
	return &TemplateRenderer{logger: logger}
}

// templateField is one parsed "{name}" or "{name:format}" reference plus
// the literal text that preceded it.
type templateField struct {
	literal string
	name    string // "" for a field-less literal-only tail
	format  string
	hasRef  bool
}

// parseTemplate splits a template string into literal/field segments
// without evaluating anything; it is also used by Validate.
func parseTemplate(tmpl string) []templateField {
	var fields []templateField
	var lit strings.Builder
	i := 0
	for i < len(tmpl) {
		c := tmpl[i]
		if c == '{' {
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				lit.WriteByte(c)
				i++
				continue
			}
			ref := tmpl[i+1 : i+end]
			name, format := ref, ""
			if idx := strings.IndexByte(ref, ':'); idx >= 0 {
				name, format = ref[:idx], ref[idx+1:]
			}
			fields = append(fields, templateField{literal: lit.String(), name: name, format: format, hasRef: true})
			lit.Reset()
			i += end + 1
			continue
		}
		lit.WriteByte(c)
		i++
	}
	if lit.Len() > 0 || len(fields) == 0 {
		fields = append(fields, templateField{literal: lit.String()})
	}
	return fields
}

// baseName extracts the whitelist-checkable root of a field reference,
// mirroring the Python implementation's
// field_name.split(".")[0].split("[")[0].split(":")[0].
func baseName(name string) string {
	name = strings.SplitN(name, ".", 2)[0]
	name = strings.SplitN(name, "[", 2)[0]
	name = strings.SplitN(name, ":", 2)[0]
	return name
}

// Validate rejects a template containing any variable name outside the
// whitelist. Validation happens once, at save time (spec.md §4.3).
func (r *TemplateRenderer) Validate(tmpl string) error {
	for _, f := range parseTemplate(tmpl) {
		if !f.hasRef {
			continue
		}
		b := baseName(f.name)
		if !allowedTemplateVars[b] {
			return &ValidationError{Fields: map[string]string{
				"template": fmt.Sprintf("unknown template variable %q", b),
			}}
		}
	}
	return nil
}

// Render substitutes whitelisted variables from ctx into tmpl. Rendering is
// total: a missing key renders as empty string, and no panic/error ever
// escapes — a field whose formatting fails logs a warning and renders its raw
// value, and a panic logs a warning and falls back to the raw template
// (spec.md §4.3).
func (r *TemplateRenderer) Render(tmpl string, ctx TemplateContext) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				r.logger.Warn().Str("template", tmpl).Msg("template render panic, falling back to raw template")
			}
			out = tmpl
		}
	}()

	var b strings.Builder
	for _, f := range parseTemplate(tmpl) {
		b.WriteString(f.literal)
		if !f.hasRef {
			continue
		}
		val, ok := ctx[baseName(f.name)]
		if !ok || val == nil {
			continue // missing key -> empty string contribution
		}
		rendered, err := formatValue(val, f.format)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn().Str("field", f.name).Err(err).Msg("template field format failed, using raw value")
			}
			rendered = fmt.Sprintf("%v", val)
		}
		b.WriteString(rendered)
	}
	return b.String()
}

// formatValue applies platform-native formatting: strftime-like for time
// values (format_spec is a Go reference-time layout), numeric width/
// precision (e.g. "05.2f"-flavoured via strconv) otherwise.
func formatValue(val interface{}, format string) (string, error) {
	switch v := val.(type) {
	case time.Time:
		if format == "" {
			return v.Format(time.RFC3339), nil
		}
		return v.Format(format), nil
	case float64:
		if format == "" {
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
		return fmt.Sprintf("%"+strings.TrimSuffix(format, "f")+"f", v), nil
	case int, int64:
		if format == "" {
			return fmt.Sprintf("%v", v), nil
		}
		return fmt.Sprintf("%"+strings.TrimSuffix(format, "d")+"d", v), nil
	case string:
		return v, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
