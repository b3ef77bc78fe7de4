// Package qc ingests externally-extracted and manually-entered inspection
// records into six typed as-built domains, validating them against the live
// panel layout and applying confidence-gated review flagging.
package qc

import (
	"errors"
	"strings"
)

// Domain is one of the six fixed categories of as-built inspection data.
type Domain string

const (
	DomainPanelPlacement Domain = "panel_placement"
	DomainPanelSeaming   Domain = "panel_seaming"
	DomainNonDestructive Domain = "non_destructive"
	DomainTrialWeld      Domain = "trial_weld"
	DomainRepairs        Domain = "repairs"
	DomainDestructive    Domain = "destructive"
)

var ErrUnknownDomain = errors.New("unknown qc domain")

// requiredFields is the canonical schema per domain: a record missing any of
// these in mappedData is downgraded to requiresReview rather than rejected.
var requiredFields = map[Domain][]string{
	DomainPanelPlacement: {"dateTime", "panelNumber", "locationNote", "weather"},
	DomainPanelSeaming:   {"dateTime", "panelNumbers", "seamerInitials", "vboxPassFail"},
	DomainNonDestructive: {"dateTime", "panelNumbers", "operatorInitials", "vboxPassFail"},
	DomainTrialWeld:      {"dateTime", "seamerInitials", "wedgeTemp", "passFail"},
	DomainRepairs:        {"dateTime", "repairId", "panelNumbers", "extruderNumber"},
	DomainDestructive:    {"dateTime", "sampleId", "panelNumbers", "passFail"},
}

// Domains lists all six domains in presentation order.
func Domains() []Domain {
	return []Domain{
		DomainPanelPlacement,
		DomainPanelSeaming,
		DomainNonDestructive,
		DomainTrialWeld,
		DomainRepairs,
		DomainDestructive,
	}
}

func ValidDomain(d Domain) bool {
	_, ok := requiredFields[d]
	return ok
}

// MissingFields returns the required fields absent or blank in mapped.
func MissingFields(d Domain, mapped map[string]any) []string {
	var missing []string
	for _, field := range requiredFields[d] {
		value, ok := mapped[field]
		if !ok || value == nil {
			missing = append(missing, field)
			continue
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}
