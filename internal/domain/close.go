package domain

import "context"

// CloseOutcome reports what a close attempt did.
type CloseOutcome string

const (
	// CloseClosed means this caller won the claim and the position is closed.
	CloseClosed CloseOutcome = "closed"
	// CloseAlreadyClaimed means another caller owns the position; nothing
	// was done.
	CloseAlreadyClaimed CloseOutcome = "already_claimed"
	// CloseAlreadyClosed means the position had already reached a terminal
	// state; nothing was done.
	CloseAlreadyClosed CloseOutcome = "already_closed"
	// CloseReverted means no order filled and the claim was rolled back.
	CloseReverted CloseOutcome = "reverted"
	// CloseFailed means the position moved to exit_failed.
	CloseFailed CloseOutcome = "exit_failed"
)

// Exit reasons recorded on closed positions.
const (
	ReasonExitReady  = "exit_ready"
	ReasonResolution = "resolution"
	ReasonMirrorExit = "mirror_exit"
	ReasonManual     = "manual"
	ReasonStopLoss   = "stop_loss"
)

// PositionCloser is the single claim-and-close path shared by every exit
// trigger.
type PositionCloser interface {
	ClosePosition(ctx context.Context, positionID, reason string) (CloseOutcome, error)
}
