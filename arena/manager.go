package arena

import (
	"time"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
)

// NewManager creates an empty match manager.
func NewManager(oracle Oracle, log slog.Logger) *Manager {
	return &Manager{
		matches: make(map[uint64]*Match),
		Oracle:  oracle,
		Log:     log,
	}
}

// CreateMatch registers a pending match hosted by white. The clock does
// not start until the second participant joins.
func (mgr *Manager) CreateMatch(id uint64, white Participant, stake decimal.Decimal, control time.Duration, now time.Time) *Match {
	if control <= 0 {
		control = DefaultTimeControl
	}
	w := white
	m := &Match{
		ID:             id,
		FEN:            StartingFEN,
		White:          &w,
		WhiteClock:     control,
		BlackClock:     control,
		LastTransition: now,
		Stake:          stake,
		oracle:         mgr.Oracle,
		onFinished:     mgr.fireFinished,
		log:            mgr.Log,
	}

	mgr.matchesMu.Lock()
	mgr.matches[id] = m
	mgr.matchesMu.Unlock()

	mgr.Log.Debugf("match %d created by %s (stake=%s)", id, white.Nick, stake.String())
	return m
}

// JoinMatch attaches the black participant and starts the clock.
func (mgr *Manager) JoinMatch(id uint64, black Participant, now time.Time) (Snapshot, error) {
	m := mgr.GetMatch(id)
	if m == nil {
		return Snapshot{}, ErrUnknownMatch
	}

	m.Lock()
	defer m.Unlock()
	if m.Outcome.Terminal() {
		return Snapshot{}, ErrMatchNotActive
	}
	if m.Black != nil {
		return Snapshot{}, ErrAlreadyJoined
	}
	if m.White != nil && m.White.ID == black.ID {
		return Snapshot{}, ErrAlreadyJoined
	}
	b := black
	m.Black = &b
	// White is on the move from this instant.
	m.LastTransition = now
	return m.snapshotLocked(), nil
}

// GetMatch returns the live match for id, or nil.
func (mgr *Manager) GetMatch(id uint64) *Match {
	mgr.matchesMu.RLock()
	defer mgr.matchesMu.RUnlock()
	return mgr.matches[id]
}

// Restore re-registers a match loaded from the database, e.g. after a
// restart. The caller fills every field except the wiring done here.
func (mgr *Manager) Restore(m *Match) {
	m.oracle = mgr.Oracle
	m.onFinished = mgr.fireFinished
	m.log = mgr.Log

	mgr.matchesMu.Lock()
	mgr.matches[m.ID] = m
	mgr.matchesMu.Unlock()
}

// ApplyMove serializes one move through the match's own mutation
// region.
func (mgr *Manager) ApplyMove(id uint64, participantID, token string, now time.Time) (Snapshot, error) {
	m := mgr.GetMatch(id)
	if m == nil {
		return Snapshot{}, ErrUnknownMatch
	}
	return m.ApplyMove(participantID, token, now)
}

// Resign forwards a resignation to the match.
func (mgr *Manager) Resign(id uint64, participantID string, now time.Time) (Snapshot, error) {
	m := mgr.GetMatch(id)
	if m == nil {
		return Snapshot{}, ErrUnknownMatch
	}
	return m.Resign(participantID, now)
}

// MatchesSnapshot returns a shallow copy of the live match map.
func (mgr *Manager) MatchesSnapshot() map[uint64]*Match {
	mgr.matchesMu.RLock()
	defer mgr.matchesMu.RUnlock()
	out := make(map[uint64]*Match, len(mgr.matches))
	for k, v := range mgr.matches {
		out[k] = v
	}
	return out
}

// RemoveMatch drops a match from the live set. Persistence is the
// caller's concern.
func (mgr *Manager) RemoveMatch(id uint64) {
	mgr.matchesMu.Lock()
	delete(mgr.matches, id)
	mgr.matchesMu.Unlock()
}

func (mgr *Manager) fireFinished(snap Snapshot) {
	if mgr.OnFinished != nil {
		mgr.OnFinished(snap)
	}
}
