// Package workflow implements the application task state machine. Every task
// state change goes through Engine.Transition, which validates the requested
// edge against a fixed graph and applies the side effects bound to it.
package workflow

import "github.com/jonathan/autoapply/internal/model"

// transitions is the allowed transition graph. It is never mutated after
// package init; CanTransition and Engine.Transition both read it.
var transitions = map[model.State][]model.State{
	model.StateRunning: {
		model.StateNeedsAuth,
		model.StateNeedsUser,
		model.StatePendingApproval,
		model.StateSubmitted,
		model.StateFailed,
		model.StateExpired,
		model.StateQueued, // stuck-task recovery
	},
	model.StateQueued:          {model.StateRunning},
	model.StateNeedsAuth:       {model.StateQueued},
	model.StateNeedsUser:       {model.StateQueued},
	model.StatePendingApproval: {model.StateApproved, model.StateExpired, model.StateRejected},
	model.StateApproved:        {model.StateRunning, model.StateExpired},
	model.StateFailed:          {model.StateQueued}, // manual resume
	model.StateExpired:         {model.StateQueued}, // manual resume
	model.StateSubmitted:       {},
	model.StateRejected:        {},
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to model.State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the states reachable from in one step.
func AllowedTargets(from model.State) []model.State {
	targets := transitions[from]
	out := make([]model.State, len(targets))
	copy(out, targets)
	return out
}

// IsTerminal reports whether a state has no outbound edges.
func IsTerminal(s model.State) bool {
	targets, ok := transitions[s]
	return ok && len(targets) == 0
}
