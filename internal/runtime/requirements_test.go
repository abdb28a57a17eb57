package runtime

import (
	"testing"

	"github.com/carewire/referrald/internal/tasks"
)

func TestAnalyzeRequirementsFlagsBuckets(t *testing.T) {
	text := "Patient Jane Roe, DOB 01/02/1990, has chest pain. Insurance is Blue Cross. Monday afternoon works."
	got := analyzeRequirements(text, tasks.Requirements{})
	if !got.PatientInfo {
		t.Errorf("PatientInfo = false")
	}
	if !got.ClinicalInfo {
		t.Errorf("ClinicalInfo = false")
	}
	if !got.InsuranceInfo {
		t.Errorf("InsuranceInfo = false")
	}
	if !got.SlotChosen {
		t.Errorf("SlotChosen = false")
	}
	if got.ProviderVerified {
		t.Errorf("ProviderVerified flipped from text alone")
	}
}

func TestAnalyzeRequirementsNeverUnsets(t *testing.T) {
	current := tasks.Requirements{PatientInfo: true, InsuranceInfo: true}
	got := analyzeRequirements("hello there", current)
	if !got.PatientInfo || !got.InsuranceInfo {
		t.Fatalf("flags regressed: %+v", got)
	}
}

func TestExtractProviderQuery(t *testing.T) {
	q, ok := extractProviderQuery("Referral from Dr. Sarah Chen, NPI 1234567890, in New York, NY")
	if !ok {
		t.Fatalf("ok = false")
	}
	if q.FirstName != "Sarah" || q.LastName != "Chen" {
		t.Fatalf("name = %q %q", q.FirstName, q.LastName)
	}
	if q.NPI != "1234567890" {
		t.Fatalf("NPI = %q", q.NPI)
	}
	if q.City != "New York" || q.State != "NY" {
		t.Fatalf("location = %q, %q", q.City, q.State)
	}
}

func TestExtractProviderQueryNeedsFullName(t *testing.T) {
	if _, ok := extractProviderQuery("my doctor said to call"); ok {
		t.Fatalf("ok = true without a provider name")
	}
	if _, ok := extractProviderQuery("Dr. Chen"); ok {
		t.Fatalf("ok = true with last name only")
	}
}

func TestAccumulatedUserTextSkipsAgentTurns(t *testing.T) {
	history := []tasks.Message{
		{Role: tasks.RoleUser, Parts: []tasks.Part{{Kind: tasks.PartText, Text: "first"}}},
		{Role: tasks.RoleAgent, Parts: []tasks.Part{{Kind: tasks.PartText, Text: "agent noise"}}},
		{Role: tasks.RoleUser, Parts: []tasks.Part{{Kind: tasks.PartText, Text: "second"}}},
	}
	if got := accumulatedUserText(history); got != "first second" {
		t.Fatalf("accumulated = %q, want %q", got, "first second")
	}
}
