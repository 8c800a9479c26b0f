// Package triage classifies reported vital signs into a severity and derives the dispatch plan.
package triage

import (
	"fmt"
	"strings"

	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/pkg/e"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Priority orders severities for display only: 1 is critical, 4 is low.
func (s Severity) Priority() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	default:
		return 4
	}
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("severity %q: %w", raw, e.ErrValidation)
	}
	return s, nil
}

// ReportType distinguishes a patient reporting for themselves from a bystander report.
type ReportType string

const (
	ReportSelf      ReportType = "self"
	ReportBystander ReportType = "bystander"
)

// Observations are the bystander's answers to the three triage questions.
type Observations struct {
	Conscious     bool `json:"conscious"`
	Breathing     bool `json:"breathing"`
	HeavyBleeding bool `json:"heavy_bleeding"`
}

// Classify maps observations to a severity. Triage never yields low.
func Classify(o Observations) Severity {
	switch {
	case !o.Breathing:
		return SeverityCritical
	case !o.Conscious || o.HeavyBleeding:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// ForReport returns the severity for a new report. Self reports skip triage and are always high.
func ForReport(kind ReportType, o *Observations) (Severity, error) {
	switch kind {
	case ReportSelf:
		return SeverityHigh, nil
	case ReportBystander:
		if o == nil {
			return "", fmt.Errorf("bystander report without triage: %w", e.ErrValidation)
		}
		return Classify(*o), nil
	default:
		return "", fmt.Errorf("report type %q: %w", kind, e.ErrValidation)
	}
}

// ActionPlan lists the auxiliary resources a severity calls for.
type ActionPlan struct {
	Severity         Severity                   `json:"severity"`
	Priority         int                        `json:"priority"`
	NeedVolunteer    bool                       `json:"need_volunteer"`
	NeedBloodDonor   bool                       `json:"need_blood_donor"`
	AmbulanceClasses []responder.EquipmentClass `json:"ambulance_classes"`
}

// GeneratePlan derives the plan. A nil observation set (self report) never requests a
// volunteer or donor on its own.
func GeneratePlan(sev Severity, o *Observations) ActionPlan {
	plan := ActionPlan{
		Severity:         sev,
		Priority:         sev.Priority(),
		AmbulanceClasses: AmbulanceClasses(sev),
	}
	if o == nil {
		return plan
	}
	plan.NeedVolunteer = sev == SeverityCritical && (!o.Breathing || !o.Conscious)
	plan.NeedBloodDonor = o.HeavyBleeding && (sev == SeverityCritical || sev == SeverityHigh)
	return plan
}

// AmbulanceClasses returns acceptable equipment classes, best fit first.
func AmbulanceClasses(sev Severity) []responder.EquipmentClass {
	switch sev {
	case SeverityCritical:
		return []responder.EquipmentClass{responder.EquipmentCardiac, responder.EquipmentAdvanced}
	case SeverityHigh:
		return []responder.EquipmentClass{responder.EquipmentAdvanced, responder.EquipmentCardiac, responder.EquipmentBasic}
	default:
		return []responder.EquipmentClass{responder.EquipmentBasic, responder.EquipmentAdvanced, responder.EquipmentCardiac}
	}
}
