package pipeline

import "github.com/forgepipe/conductor/internal/fsm"

// StatusFSM declares the pipeline status transition table: accepted runs
// once, running can enter a correction cycle or finish, correcting always
// returns to running or a terminal state.
var StatusFSM = fsm.New(fsm.Transitions[string]{
	StatusAccepted: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCorrecting: true,
		StatusApproved:   true,
		StatusFailed:     true,
		StatusError:      true,
	},
	StatusCorrecting: {
		StatusRunning:  true,
		StatusApproved: true,
		StatusFailed:   true,
		StatusError:    true,
	},
})
