package wizard

import "lessonbook/internal/model"

// Step is a checkout step. Steps 1 to 5 are persisted in the session; StepComplete is terminal.
type Step int

const (
	StepConfirmInstructor Step = iota + 1
	StepSelectPackage
	StepScheduleLessons
	StepIdentify
	StepPay
	StepComplete
)

func (s Step) String() string {
	switch s {
	case StepConfirmInstructor:
		return "confirm_instructor"
	case StepSelectPackage:
		return "select_package"
	case StepScheduleLessons:
		return "schedule_lessons"
	case StepIdentify:
		return "identify"
	case StepPay:
		return "pay"
	case StepComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// transitions lists the allowed moves out of each step, forward and back.
var transitions = map[Step][]Step{
	StepConfirmInstructor: {StepSelectPackage},
	StepSelectPackage:     {StepScheduleLessons, StepConfirmInstructor},
	StepScheduleLessons:   {StepIdentify, StepPay, StepSelectPackage},
	StepIdentify:          {StepPay, StepScheduleLessons},
	StepPay:               {StepComplete, StepIdentify, StepScheduleLessons},
}

// CanTransition checks if the move is allowed.
func CanTransition(from, to Step) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// skipIdentify is the single rule deciding whether the identify step is shown. An identified learner
// without a token cannot pay, so identify is shown again.
func skipIdentify(state model.AuthState, token string) bool {
	return state.Identified() && token != ""
}

// nextStep is the forward target of from for the given auth state and token.
func nextStep(from Step, auth model.AuthState, token string) Step {
	if from == StepScheduleLessons && skipIdentify(auth, token) {
		return StepPay
	}
	return from + 1
}

// prevStep is the backward target of from for the given auth state and token.
func prevStep(from Step, auth model.AuthState, token string) Step {
	if from == StepPay && skipIdentify(auth, token) {
		return StepScheduleLessons
	}
	return from - 1
}
