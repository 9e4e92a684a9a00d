// Package registry is the worker state machine. Next is the pure transition
// function; Registry applies transitions to a loaded state.State and is meant
// to be called inside state.Store.WithLock.
package registry

import (
	"llmc/pkg/protocol"
)

// Trigger is an input to the worker state machine.
type Trigger string

// Triggers.
const (
	TriggerAssign         Trigger = "assign"
	TriggerSessionStart   Trigger = "session_start"
	TriggerStop           Trigger = "stop"
	TriggerAcceptBegin    Trigger = "accept_begin"
	TriggerAcceptDone     Trigger = "accept_done"
	TriggerRepoDirty      Trigger = "repo_dirty"
	TriggerBackoffExpired Trigger = "backoff_expired"
	TriggerReconcile      Trigger = "reconcile"
	TriggerFault          Trigger = "fault"
	TriggerReset          Trigger = "reset"
)

// Next returns the state a worker in from moves to on trigger. hasWork is
// only consulted by TriggerStop. Unlisted combinations are invalid.
func Next(from protocol.WorkerState, trigger Trigger, hasWork bool) (protocol.WorkerState, bool) {
	switch trigger {
	case TriggerFault:
		return protocol.WorkerError, true
	case TriggerReset:
		return protocol.WorkerIdle, true
	}

	switch from {
	case protocol.WorkerIdle:
		switch trigger {
		case TriggerAssign:
			return protocol.WorkerAssigned, true
		case TriggerReconcile:
			return protocol.WorkerNeedsReview, true
		}
	case protocol.WorkerAssigned:
		if trigger == TriggerSessionStart {
			return protocol.WorkerWorking, true
		}
	case protocol.WorkerWorking:
		switch trigger {
		case TriggerStop:
			if hasWork {
				return protocol.WorkerNeedsReview, true
			}
			return protocol.WorkerIdle, true
		case TriggerReconcile:
			return protocol.WorkerNeedsReview, true
		}
	case protocol.WorkerNeedsReview:
		switch trigger {
		case TriggerAcceptBegin:
			return protocol.WorkerAccepting, true
		case TriggerRepoDirty:
			return protocol.WorkerBlocked, true
		}
	case protocol.WorkerAccepting:
		switch trigger {
		case TriggerAcceptDone:
			return protocol.WorkerIdle, true
		case TriggerRepoDirty:
			return protocol.WorkerBlocked, true
		case TriggerReconcile:
			// acceptance interrupted by a restart
			return protocol.WorkerNeedsReview, true
		}
	case protocol.WorkerBlocked:
		if trigger == TriggerBackoffExpired {
			return protocol.WorkerNeedsReview, true
		}
	case protocol.WorkerError:
		// only fault and reset, handled above
	}
	return from, false
}
