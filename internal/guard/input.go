package guard

import (
	"regexp"
	"strings"
)

// inputFlag pairs a warning label with the pattern that raises it.
type inputFlag struct {
	label   string
	pattern *regexp.Regexp
}

// inputFlags are checked against user transcripts on ingest. Matches attach
// warnings to the turn record; they never block the turn.
var inputFlags = []inputFlag{
	{"self_harm", regexp.MustCompile(`(?i)\b(kill myself|hurt myself|end my life|suicide)\b`)},
	{"violence", regexp.MustCompile(`(?i)\b(kill (him|her|them)|hurt (him|her|them|someone)|weapon|attack (him|her|them))\b`)},
	{"personal_data", regexp.MustCompile(`(?i)\b(social security|credit card number|passport number|bank account)\b`)},
	{"medication_dosage", regexp.MustCompile(`(?i)\b(how (much|many) (pills|mg|milligrams)|overdose|double (the )?dose)\b`)},
}

// FlagInput scans a user transcript and returns the warning labels of every
// matching pattern. The result is nil when nothing matches.
func FlagInput(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var warnings []string
	for _, f := range inputFlags {
		if f.pattern.MatchString(text) {
			warnings = append(warnings, f.label)
		}
	}
	return warnings
}
