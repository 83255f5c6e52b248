package arena

import (
	"fmt"
	"strings"
	"time"
)

// State derives the lifecycle state. A match is active iff both
// participants are present and no terminal outcome is set.
func (m *Match) State() State {
	if m.Outcome.Terminal() {
		return StateFinished
	}
	if m.Black == nil {
		return StatePending
	}
	return StateActive
}

// SideToMove reads the active color from the position. The FEN's
// second field is the authoritative turn marker.
func (m *Match) SideToMove() Color {
	fields := strings.Fields(m.FEN)
	if len(fields) >= 2 && fields[1] == "b" {
		return Black
	}
	return White
}

func (m *Match) participantColor(participantID string) (Color, bool) {
	if m.White != nil && m.White.ID == participantID {
		return White, true
	}
	if m.Black != nil && m.Black.ID == participantID {
		return Black, true
	}
	return "", false
}

func (m *Match) participant(c Color) *Participant {
	if c == White {
		return m.White
	}
	return m.Black
}

func (m *Match) clock(c Color) time.Duration {
	if c == White {
		return m.WhiteClock
	}
	return m.BlackClock
}

func (m *Match) setClock(c Color, d time.Duration) {
	if c == White {
		m.WhiteClock = d
	} else {
		m.BlackClock = d
	}
}

// ApplyMove validates and applies one move for participantID at server
// time now. The elapsed wall-clock time since the last accepted
// transition is charged to the side that held the move; if that
// exhausts the clock the match times out regardless of the move's
// legality. The whole transition (position, clock, move record,
// outcome) commits atomically under the match lock.
func (m *Match) ApplyMove(participantID, token string, now time.Time) (Snapshot, error) {
	m.Lock()

	if m.State() != StateActive {
		m.Unlock()
		return Snapshot{}, ErrMatchNotActive
	}

	color, ok := m.participantColor(participantID)
	if !ok {
		m.Unlock()
		return Snapshot{}, ErrNotParticipant
	}
	mover := m.SideToMove()
	if color != mover {
		m.Unlock()
		return Snapshot{}, ErrNotYourTurn
	}

	// Server-authoritative clock: elapsed time is computed here, never
	// trusted from the client.
	elapsed := now.Sub(m.LastTransition)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := m.clock(mover)

	if elapsed >= remaining {
		// Time expired before this move was received; expiry pre-empts
		// whatever the move itself would have produced.
		m.setClock(mover, 0)
		m.LastTransition = now
		m.finishLocked(OutcomeTimeout, m.participant(mover.Other()).ID)
		snap := m.snapshotLocked()
		m.Unlock()
		m.fireFinished(snap)
		return snap, nil
	}

	newFEN, err := m.oracle.Apply(m.FEN, token)
	if err != nil {
		// Rejected mutations never touch state, including the clock.
		m.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrIllegalMove, token)
	}

	m.setClock(mover, remaining-elapsed)
	m.FEN = newFEN
	m.LastTransition = now
	m.Moves = append(m.Moves, MoveRecord{
		Seq:       len(m.Moves) + 1,
		Token:     token,
		ThinkTime: elapsed,
		At:        now,
	})

	outcome, err := m.oracle.Classify(newFEN)
	if err != nil {
		m.log.Warnf("match %d: classify after %s failed: %v", m.ID, token, err)
		outcome = OutcomeNone
	}
	finished := false
	switch {
	case outcome == OutcomeCheckmate:
		m.finishLocked(OutcomeCheckmate, participantID)
		finished = true
	case outcome.Terminal():
		m.finishLocked(outcome, "")
		finished = true
	}

	snap := m.snapshotLocked()
	m.Unlock()
	if finished {
		m.fireFinished(snap)
	}
	return snap, nil
}

// Resign ends the match in favor of the opponent. A second resign on a
// finished match fails with ErrMatchNotActive rather than
// double-processing.
func (m *Match) Resign(participantID string, now time.Time) (Snapshot, error) {
	m.Lock()

	if m.State() != StateActive {
		m.Unlock()
		return Snapshot{}, ErrMatchNotActive
	}
	color, ok := m.participantColor(participantID)
	if !ok {
		m.Unlock()
		return Snapshot{}, ErrNotParticipant
	}

	m.LastTransition = now
	m.finishLocked(OutcomeResignation, m.participant(color.Other()).ID)
	snap := m.snapshotLocked()
	m.Unlock()
	m.fireFinished(snap)
	return snap, nil
}

// CheckClock lazily detects a timeout on an active match with no move
// submitted. Returns the current snapshot and whether this call
// transitioned the match.
func (m *Match) CheckClock(now time.Time) (Snapshot, bool) {
	m.Lock()

	if m.State() != StateActive {
		snap := m.snapshotLocked()
		m.Unlock()
		return snap, false
	}
	mover := m.SideToMove()
	elapsed := now.Sub(m.LastTransition)
	if elapsed < 0 || elapsed < m.clock(mover) {
		snap := m.snapshotLocked()
		m.Unlock()
		return snap, false
	}

	m.setClock(mover, 0)
	m.LastTransition = now
	m.finishLocked(OutcomeTimeout, m.participant(mover.Other()).ID)
	snap := m.snapshotLocked()
	m.Unlock()
	m.fireFinished(snap)
	return snap, true
}

// MoveRecords returns a copy of the accepted moves.
func (m *Match) MoveRecords() []MoveRecord {
	m.Lock()
	defer m.Unlock()
	out := make([]MoveRecord, len(m.Moves))
	copy(out, m.Moves)
	return out
}

// MarkPayoutClaimed records that the stake left escrow. This is the
// only mutation allowed on a finished match.
func (m *Match) MarkPayoutClaimed() {
	m.Lock()
	m.PayoutClaimed = true
	m.Unlock()
}

// GetOutcome is a pure read.
func (m *Match) GetOutcome() Outcome {
	m.Lock()
	defer m.Unlock()
	return m.Outcome
}

// Snapshot returns a consistent copy of the current state.
func (m *Match) Snapshot() Snapshot {
	m.Lock()
	defer m.Unlock()
	return m.snapshotLocked()
}

// finishLocked records the terminal outcome. Caller holds the lock and
// must fire the finished hook after releasing it.
func (m *Match) finishLocked(outcome Outcome, winnerID string) {
	m.Outcome = outcome
	m.WinnerID = winnerID
}

func (m *Match) fireFinished(snap Snapshot) {
	if m.onFinished != nil {
		m.onFinished(snap)
	}
}

func (m *Match) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:             m.ID,
		FEN:            m.FEN,
		State:          m.State(),
		WhiteClock:     m.WhiteClock,
		BlackClock:     m.BlackClock,
		LastTransition: m.LastTransition,
		Stake:          m.Stake,
		Outcome:        m.Outcome,
		WinnerID:       m.WinnerID,
		MoveCount:      len(m.Moves),
		PayoutClaimed:  m.PayoutClaimed,
	}
	if m.White != nil {
		snap.White = *m.White
	}
	if m.Black != nil {
		snap.Black = *m.Black
		snap.HasBlack = true
	}
	if n := len(m.Moves); n > 0 {
		snap.LastMove = m.Moves[n-1].Token
	}
	return snap
}
