// Package pipeline implements the workflow execution core: the state record
// threaded through processing, the three-phase step contract with per-step
// fault isolation, and the compiled step graph.
package pipeline

import (
	"sort"
	"strings"
	"time"
)

// Fault is one captured step failure.
type Fault struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Attachment is the pipeline's view of one attached file, enriched in place
// by the OCR and AI steps.
type Attachment struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	ContentType string  `json:"content_type"`
	Size        int64   `json:"size"`
	IsImage     bool    `json:"is_image"`
	StoragePath string  `json:"storage_path"`
	OCRText     *string `json:"ocr_text,omitempty"`
	AIText      *string `json:"ai_text,omitempty"`
}

// IssueResult is the external tracking record produced by the issue step.
type IssueResult struct {
	Key    string `json:"key"`
	URL    string `json:"url"`
	Engine string `json:"engine"`
}

// IssueSettings is the owner's issue-system configuration loaded by Prepare.
type IssueSettings struct {
	Engine   string   `json:"engine"`
	Project  string   `json:"project"`
	Priority string   `json:"priority"`
	BaseURL  string   `json:"base_url"`
	Labels   []string `json:"labels,omitempty"`
}

// State is the serializable record threaded through every step. It carries
// only data, never live handles, so a run can resume from any checkpoint.
type State struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id"`
	Force   bool   `json:"force"`

	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text"`
	Attachments []Attachment `json:"attachments,omitempty"`

	BodyAIText string            `json:"body_ai_text,omitempty"`
	Title      string            `json:"title,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Issue      *IssueResult      `json:"issue,omitempty"`

	CreditsConsumed      bool   `json:"credits_consumed"`
	CreditsTransactionID string `json:"credits_transaction_id,omitempty"`
	CreditsRefunded      bool   `json:"credits_refunded"`
	IdempotencyKey       string `json:"idempotency_key,omitempty"`

	PromptTemplates map[string]string `json:"prompt_templates,omitempty"`
	IssueSettings   *IssueSettings    `json:"issue_settings,omitempty"`

	// Faults maps step name to the failures it recorded, in order.
	Faults map[string][]Fault `json:"faults,omitempty"`
}

// NewState creates the minimal state for a job.
func NewState(jobID, ownerID string, force bool) *State {
	return &State{
		JobID:   jobID,
		OwnerID: ownerID,
		Force:   force,
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	copied := *s

	if s.Attachments != nil {
		copied.Attachments = make([]Attachment, len(s.Attachments))
		for i, a := range s.Attachments {
			copied.Attachments[i] = a
			if a.OCRText != nil {
				text := *a.OCRText
				copied.Attachments[i].OCRText = &text
			}
			if a.AIText != nil {
				text := *a.AIText
				copied.Attachments[i].AIText = &text
			}
		}
	}

	copied.Metadata = cloneStringMap(s.Metadata)
	copied.PromptTemplates = cloneStringMap(s.PromptTemplates)

	if s.Issue != nil {
		issue := *s.Issue
		copied.Issue = &issue
	}
	if s.IssueSettings != nil {
		settings := *s.IssueSettings
		settings.Labels = append([]string(nil), s.IssueSettings.Labels...)
		copied.IssueSettings = &settings
	}

	if s.Faults != nil {
		copied.Faults = make(map[string][]Fault, len(s.Faults))
		for step, faults := range s.Faults {
			copied.Faults[step] = append([]Fault(nil), faults...)
		}
	}

	return &copied
}

// RecordFault appends a failure under the step's name.
func (s *State) RecordFault(step, message string) {
	if s.Faults == nil {
		s.Faults = make(map[string][]Fault)
	}
	s.Faults[step] = append(s.Faults[step], Fault{Message: message, At: time.Now().UTC()})
}

// Failed reports whether any step has recorded a fault.
func (s *State) Failed() bool {
	for _, faults := range s.Faults {
		if len(faults) > 0 {
			return true
		}
	}
	return false
}

// FaultText joins every recorded fault message, grouped by step name in
// sorted order, for classification and status reporting.
func (s *State) FaultText() string {
	if len(s.Faults) == 0 {
		return ""
	}

	steps := make([]string, 0, len(s.Faults))
	for step := range s.Faults {
		steps = append(steps, step)
	}
	sort.Strings(steps)

	var parts []string
	for _, step := range steps {
		for _, fault := range s.Faults[step] {
			parts = append(parts, step+": "+fault.Message)
		}
	}
	return strings.Join(parts, "; ")
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
