package conversation

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition indicates an attempted illegal stage transition.
// The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid stage transition")

// stageSuccessors is the closed adjacency table of legal transitions.
// CLOSURE is reachable from every other stage (early exit and the
// error-ceiling escape hatch) and is terminal.
var stageSuccessors = map[Stage][]Stage{
	StageGreeting:     {StagePainAnalysis, StageClosure},
	StagePainAnalysis: {StagePainAnalysis, StageConsent, StageClosure},
	StageConsent:      {StageConsent, StageAssessment, StageClosure},
	StageAssessment:   {StageClosure},
	StageClosure:      {},
}

const (
	defaultErrorCeiling        = 5
	defaultAssessmentQuestions = 10
)

// Machine applies conversation events to a State. Every exported method is
// one atomic update: it either applies fully or leaves the state untouched.
type Machine struct {
	errorCeiling        int
	assessmentQuestions int
}

// NewMachine creates a stage machine. Non-positive tuning values fall back
// to the defaults.
func NewMachine(errorCeiling, assessmentQuestions int) *Machine {
	if errorCeiling <= 0 {
		errorCeiling = defaultErrorCeiling
	}
	if assessmentQuestions <= 0 {
		assessmentQuestions = defaultAssessmentQuestions
	}
	return &Machine{
		errorCeiling:        errorCeiling,
		assessmentQuestions: assessmentQuestions,
	}
}

// IsValidTransition reports whether from -> to appears in the adjacency
// table.
func IsValidTransition(from, to Stage) bool {
	for _, next := range stageSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome describes what one inbound user message did to the state.
type Outcome struct {
	From         Stage
	To           Stage
	Transitioned bool

	Pain           *PainClassification
	Consent        *bool
	AnswerRecorded bool
}

// HandleUserText applies one inbound user text message to the state,
// interpreting it as an answer to whatever stage is active. This is the
// single state-mutating entry point of the inbound pump.
func (m *Machine) HandleUserText(st *State, text string, now time.Time) (Outcome, error) {
	outcome := Outcome{From: st.Stage}

	st.LastUserMessage = text
	st.LastActivityAt = now

	switch st.Stage {
	case StageGreeting:
		// The first user message ends the greeting exchange.
		if err := m.transition(st, StagePainAnalysis, now); err != nil {
			return outcome, err
		}

	case StagePainAnalysis:
		pain := ClassifyPain(text)
		st.Pain = pain
		outcome.Pain = &pain
		var target Stage
		switch pain.Category {
		case PainLowerBack:
			target = StageConsent
		case PainOther:
			target = StageClosure
		default:
			// Unknown region: stay put and let the agent ask for clarification.
			target = StagePainAnalysis
		}
		if err := m.transition(st, target, now); err != nil {
			return outcome, err
		}
		if pain.Category == PainOther {
			m.complete(st, ExitNonTargetCondition, now)
		}

	case StageConsent:
		st.Consent.Attempts++
		decision := ClassifyConsent(text)
		outcome.Consent = decision
		if decision == nil {
			// Ambiguous reply: stay in consent, the agent re-prompts.
			if err := m.transition(st, StageConsent, now); err != nil {
				return outcome, err
			}
			break
		}
		st.Consent.Decision = decision
		target := StageAssessment
		if !*decision {
			target = StageClosure
		}
		if err := m.transition(st, target, now); err != nil {
			return outcome, err
		}
		if !*decision {
			m.complete(st, ExitConsentDeclined, now)
		}

	case StageAssessment:
		outcome.AnswerRecorded = m.recordAnswer(st, text)
		if AssessmentComplete(len(st.Assessment.QuestionsAsked), m.assessmentQuestions) {
			if err := m.transition(st, StageClosure, now); err != nil {
				return outcome, err
			}
			m.complete(st, ExitCompleted, now)
		} else {
			// Every handled user message counts as one interaction: answers
			// that stay in the assessment count here, stage changes count in
			// transition.
			st.InteractionCount++
		}

	case StageClosure:
		// Terminal: record the message, change nothing else.
	}

	outcome.To = st.Stage
	outcome.Transitioned = outcome.From != st.Stage || wasSelfLoop(outcome.From, st.Stage)
	return outcome, nil
}

func wasSelfLoop(from, to Stage) bool {
	return from == to && (from == StagePainAnalysis || from == StageConsent)
}

// recordAnswer pairs the user's answer with the most recent agent question.
// Repeated questions overwrite the stored answer without growing the
// question list.
func (m *Machine) recordAnswer(st *State, answer string) bool {
	question := st.LastAgentMessage
	if question == "" {
		return false
	}
	if _, asked := st.Assessment.Responses[question]; !asked {
		st.Assessment.QuestionsAsked = append(st.Assessment.QuestionsAsked, question)
	}
	st.Assessment.Responses[question] = answer
	st.Assessment.Progress = clampProgress(float64(len(st.Assessment.QuestionsAsked)) / float64(m.assessmentQuestions))
	return true
}

func clampProgress(p float64) float64 {
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}

// NoteAgentMessage records the agent's consolidated turn text. During the
// assessment it doubles as the question the next user message answers.
func (m *Machine) NoteAgentMessage(st *State, text string, now time.Time) {
	if text == "" {
		return
	}
	st.LastAgentMessage = text
	st.LastActivityAt = now
}

// RecordError counts a session-level error and forces closure once the
// ceiling is reached. Returns true when the session was forced closed.
func (m *Machine) RecordError(st *State, now time.Time) bool {
	st.ErrorCount++
	if st.ErrorCount < m.errorCeiling {
		return false
	}
	if st.Stage != StageClosure {
		// Escape hatch: legal from every stage.
		if err := m.transition(st, StageClosure, now); err != nil {
			return false
		}
	}
	m.complete(st, ExitError, now)
	return true
}

// RecordRecoveryAttempt counts a recovered per-message failure.
func (m *Machine) RecordRecoveryAttempt(st *State) {
	st.RecoveryAttempts++
}

// Close terminates the session with the given reason. Safe to call on an
// already-complete session; the first exit reason wins.
func (m *Machine) Close(st *State, reason ExitReason, now time.Time) {
	if st.Stage != StageClosure {
		if err := m.transition(st, StageClosure, now); err != nil {
			return
		}
	}
	m.complete(st, reason, now)
}

// transition moves the state to the target stage, updating activity
// bookkeeping. Illegal targets fail with ErrInvalidTransition and leave
// the state unchanged.
func (m *Machine) transition(st *State, to Stage, now time.Time) error {
	if !IsValidTransition(st.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Stage, to)
	}
	st.Stage = to
	st.LastActivityAt = now
	st.InteractionCount++
	return nil
}

// complete marks the session finished. session_complete never flips back
// and an exit reason is always present once it is set.
func (m *Machine) complete(st *State, reason ExitReason, now time.Time) {
	if st.ExitReason == "" {
		st.ExitReason = reason
	}
	st.SessionComplete = true
	if st.EndedAt == nil {
		ended := now
		st.EndedAt = &ended
	}
}
