package tasks

import "time"

type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// Reason codes attached to forced transitions and terminal updates.
const (
	ReasonTurnLimitExceeded     = "turn_limit_exceeded"
	ReasonVerificationExhausted = "verification_exhausted"
	ReasonInfoExhausted         = "info_collection_exhausted"
	ReasonGeneratorFailed       = "generator_failed"
	ReasonReferralFailed        = "referral_failed"
	ReasonCanceledByCaller      = "canceled_by_caller"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type PartKind string

const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
)

type Part struct {
	Kind    PartKind `json:"kind"`
	Text    string   `json:"text,omitempty"`
	FileURI string   `json:"file_uri,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// CounterSet holds the per-task counters. All fields are monotonically
// non-decreasing for the life of the task.
type CounterSet struct {
	TotalTurns           int `json:"total_turns"`
	VerificationAttempts int `json:"verification_attempts"`
	InfoAttempts         int `json:"info_attempts"`
}

type PushConfig struct {
	URL        string `json:"url"`
	Token      string `json:"token,omitempty"`
	AuthScheme string `json:"auth_scheme,omitempty"`
}

type Artifact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Parts []Part `json:"parts"`
}

// Requirements tracks the completeness checks that gate the completed
// state. Flags only ever flip from false to true.
type Requirements struct {
	ProviderVerified bool `json:"provider_verified"`
	PatientInfo      bool `json:"patient_info"`
	ClinicalInfo     bool `json:"clinical_info"`
	InsuranceInfo    bool `json:"insurance_info"`
	SlotChosen       bool `json:"slot_chosen"`
}

func (r Requirements) Complete() bool {
	return r.ProviderVerified && r.PatientInfo && r.ClinicalInfo && r.InsuranceInfo && r.SlotChosen
}

// Missing lists outstanding requirement names in a fixed order so
// clarification prompts are deterministic.
func (r Requirements) Missing() []string {
	var out []string
	if !r.PatientInfo {
		out = append(out, "patient identifiers")
	}
	if !r.ProviderVerified {
		out = append(out, "verified referring provider")
	}
	if !r.ClinicalInfo {
		out = append(out, "clinical reason for referral")
	}
	if !r.InsuranceInfo {
		out = append(out, "insurance details")
	}
	if !r.SlotChosen {
		out = append(out, "appointment slot preference")
	}
	return out
}

type Task struct {
	ID           string       `json:"id"`
	ContextID    string       `json:"context_id"`
	State        State        `json:"state"`
	History      []Message    `json:"history"`
	Artifacts    []Artifact   `json:"artifacts,omitempty"`
	Counters     CounterSet   `json:"counters"`
	Requirements Requirements `json:"requirements"`
	PushConfig   *PushConfig  `json:"push_config,omitempty"`
	// BoundProviderID holds the registry candidate id bound by a
	// successful verification, empty until then.
	BoundProviderID string    `json:"bound_provider_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type EventType string

const (
	EventStatusUpdate EventType = "status-update"
	EventMessage      EventType = "message"
	EventArtifact     EventType = "artifact"
)

// Event is one entry of a task's ordered event log. Seq is contiguous
// per task starting at 1.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	ContextID string    `json:"context_id"`
	Seq       int       `json:"seq"`
	State     State     `json:"state,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Artifact  *Artifact `json:"artifact,omitempty"`
	At        time.Time `json:"at"`
}

func (t Task) Clone() Task {
	out := t
	if t.History != nil {
		out.History = make([]Message, len(t.History))
		copy(out.History, t.History)
	}
	if t.Artifacts != nil {
		out.Artifacts = make([]Artifact, len(t.Artifacts))
		copy(out.Artifacts, t.Artifacts)
	}
	if t.PushConfig != nil {
		pc := *t.PushConfig
		out.PushConfig = &pc
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.State {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}
