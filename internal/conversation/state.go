// Package conversation holds the per-session conversation record and the
// stage machine that drives it through the guided assessment flow.
package conversation

import (
	"fmt"
	"time"
)

// Stage is a named phase of the conversation.
type Stage string

const (
	StageGreeting     Stage = "greeting"
	StagePainAnalysis Stage = "pain_analysis"
	StageConsent      Stage = "consent"
	StageAssessment   Stage = "assessment"
	StageClosure      Stage = "closure"
)

// ParseStage converts a wire value into a Stage, rejecting unknown values.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageGreeting, StagePainAnalysis, StageConsent, StageAssessment, StageClosure:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown conversation stage %q", s)
}

// PainCategory classifies the user's pain description.
type PainCategory string

const (
	PainLowerBack PainCategory = "lower_back"
	PainOther     PainCategory = "other"
	PainUnknown   PainCategory = "unknown"
)

// ExitReason records why a session ended.
type ExitReason string

const (
	ExitCompleted          ExitReason = "completed"
	ExitNonTargetCondition ExitReason = "non_target_condition"
	ExitConsentDeclined    ExitReason = "consent_declined"
	ExitUserExit           ExitReason = "user_exit"
	ExitError              ExitReason = "error"
	ExitTimeout            ExitReason = "timeout"
)

// PainClassification is the recorded outcome of pain classification.
type PainClassification struct {
	Category       PainCategory `json:"category"`
	Confidence     float64      `json:"confidence"`
	RawDescription string       `json:"raw_description"`
}

// Consent tracks the consent checkpoint.
type Consent struct {
	Decision         *bool `json:"decision,omitempty"`
	Attempts         int   `json:"attempts"`
	ExplanationGiven bool  `json:"explanation_given"`
}

// Assessment tracks assessment question/answer progress.
type Assessment struct {
	QuestionsAsked []string          `json:"questions_asked"`
	Responses      map[string]string `json:"responses"`
	Progress       float64           `json:"progress"`
}

// State is the conversation record for one session. It is exclusively owned
// by the session's bridge and mutated only through Machine methods on the
// inbound state-update path; the outbound pump reads copies via Clone.
type State struct {
	Stage      Stage              `json:"stage"`
	Pain       PainClassification `json:"pain_classification"`
	Consent    Consent            `json:"consent"`
	Assessment Assessment         `json:"assessment"`

	ExitReason      ExitReason `json:"exit_reason,omitempty"`
	SessionComplete bool       `json:"session_complete"`

	InteractionCount int `json:"interaction_count"`
	ErrorCount       int `json:"error_count"`
	RecoveryAttempts int `json:"recovery_attempts"`

	LastUserMessage  string `json:"last_user_message,omitempty"`
	LastAgentMessage string `json:"last_agent_message,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// NewState creates the initial record for a fresh session.
func NewState(now time.Time) *State {
	return &State{
		Stage: StageGreeting,
		Pain:  PainClassification{Category: PainUnknown},
		Assessment: Assessment{
			Responses: make(map[string]string),
		},
		StartedAt:      now,
		LastActivityAt: now,
	}
}

// Clone returns a deep copy safe to read outside the owning pump.
func (s *State) Clone() *State {
	clone := *s
	clone.Assessment.QuestionsAsked = append([]string(nil), s.Assessment.QuestionsAsked...)
	clone.Assessment.Responses = make(map[string]string, len(s.Assessment.Responses))
	for q, a := range s.Assessment.Responses {
		clone.Assessment.Responses[q] = a
	}
	if s.Consent.Decision != nil {
		d := *s.Consent.Decision
		clone.Consent.Decision = &d
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}

// Summary renders a one-line human-readable state description.
func (s *State) Summary() string {
	summary := fmt.Sprintf("Stage: %s | Interactions: %d", s.Stage, s.InteractionCount)
	if s.ExitReason != "" {
		summary += fmt.Sprintf(" | Exit: %s", s.ExitReason)
	}
	return summary
}
