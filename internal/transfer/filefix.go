package transfer

import "regexp"

// tcxSpeedExtensionPattern matches the COROS-style TCX extension block
// spec.md §4.4 requires rewriting, tolerating whitespace between tags —
// grounded on original_source/fitness_toolkit/clients/coros.py::fix_tcx_extensions.
var tcxSpeedExtensionPattern = regexp.MustCompile(`<Extensions>\s*<Speed>([^<]+)</Speed>\s*</Extensions>`)

// FixTCXExtensions is C4: FilePayloadFixer. It rewrites every occurrence of
// the bare <Extensions><Speed>X</Speed></Extensions> block into the
// ns3:TPX-wrapped form the sink requires. Other formats pass through
// unmodified (callers only invoke this for TCX downloads). The substitution
// is idempotent: the replacement text no longer matches the input pattern.
func FixTCXExtensions(content []byte) []byte {
	return tcxSpeedExtensionPattern.ReplaceAll(content, []byte(`<Extensions><ns3:TPX><ns3:Speed>$1</ns3:Speed></ns3:TPX></Extensions>`))
}
