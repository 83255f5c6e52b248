package arena

import "errors"

var (
	ErrMatchNotActive = errors.New("match is not active")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrIllegalMove    = errors.New("illegal move")
	ErrUnknownMatch   = errors.New("unknown match id")
	ErrNotParticipant = errors.New("not a participant of this match")
	ErrAlreadyJoined  = errors.New("match already has both participants")
)
