package runtime

import (
	"regexp"
	"strings"

	"github.com/carewire/referrald/internal/tasks"
	"github.com/carewire/referrald/internal/verify"
)

// Keyword buckets for the required-information checks. Detection runs
// over the accumulated user text of the whole conversation, so facts
// given in earlier turns are never requested again.
var (
	patientKeywords    = []string{"patient", "dob", "date of birth", "birth", "mrn", "medical record"}
	clinicalKeywords   = []string{"chest pain", "arrhythmia", "palpitation", "syncope", "murmur", "symptom", "ekg", "ecg", "stress test", "echo", "cardiac", "heart"}
	insuranceKeywords  = []string{"insurance", "member id", "group number", "aetna", "blue cross", "united", "cigna", "medicare", "medicaid"}
	schedulingKeywords = []string{"appointment", "schedule", "slot", "monday", "thursday", "urgent", "emergent", "routine", "next week", "morning", "afternoon"}
)

var (
	npiPattern      = regexp.MustCompile(`\b\d{10}\b`)
	drNamePattern   = regexp.MustCompile(`\b(?i:dr\.?|doctor|physician)\s+([A-Z][a-zA-Z'\-]+)(?:\s+([A-Z][a-zA-Z'\-]+))?`)
	locationPattern = regexp.MustCompile(`\bin\s+([A-Z][a-zA-Z\s'\-]+?),\s*([A-Z]{2})\b`)
)

// analyzeRequirements inspects accumulated user text and flips the
// completeness flags that are satisfiable from text alone. Provider
// verification is owned by the gateway and never inferred from text.
func analyzeRequirements(userText string, current tasks.Requirements) tasks.Requirements {
	lower := strings.ToLower(userText)
	out := current
	if !out.PatientInfo && containsAny(lower, patientKeywords) {
		out.PatientInfo = true
	}
	if !out.ClinicalInfo && containsAny(lower, clinicalKeywords) {
		out.ClinicalInfo = true
	}
	if !out.InsuranceInfo && containsAny(lower, insuranceKeywords) {
		out.InsuranceInfo = true
	}
	if !out.SlotChosen && containsAny(lower, schedulingKeywords) {
		out.SlotChosen = true
	}
	return out
}

// extractProviderQuery builds the registry query from accumulated user
// text. ok is false until at least a first and last name are present.
func extractProviderQuery(userText string) (verify.Query, bool) {
	m := drNamePattern.FindStringSubmatch(userText)
	if m == nil || m[2] == "" {
		return verify.Query{}, false
	}
	q := verify.Query{FirstName: m[1], LastName: m[2]}
	if npi := npiPattern.FindString(userText); npi != "" {
		q.NPI = npi
	}
	if loc := locationPattern.FindStringSubmatch(userText); loc != nil {
		q.City = strings.TrimSpace(loc[1])
		q.State = strings.ToUpper(loc[2])
	}
	return q, true
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func accumulatedUserText(history []tasks.Message) string {
	var b strings.Builder
	for _, msg := range history {
		if msg.Role != tasks.RoleUser {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(msg.Text())
	}
	return b.String()
}
