package arena

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubOracle accepts every token except those listed in illegal,
// flipping the FEN turn marker on apply. classify is reported after
// any successful apply.
type stubOracle struct {
	illegal  map[string]bool
	classify Outcome
}

func (s *stubOracle) LegalMoves(string) ([]string, error) { return nil, nil }

func (s *stubOracle) Apply(fen, token string) (string, error) {
	if s.illegal[token] {
		return "", ErrIllegalMove
	}
	fields := strings.Fields(fen)
	if fields[1] == "w" {
		fields[1] = "b"
	} else {
		fields[1] = "w"
	}
	return strings.Join(fields, " "), nil
}

func (s *stubOracle) Classify(string) (Outcome, error) { return s.classify, nil }

func newTestMatch(t *testing.T, oracle Oracle) (*Manager, *Match, time.Time) {
	t.Helper()
	mgr := NewManager(oracle, slog.Disabled)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.CreateMatch(42, Participant{ID: "w1", Nick: "alice"}, decimal.RequireFromString("0.05"), 600*time.Second, t0)
	snap, err := mgr.JoinMatch(42, Participant{ID: "b1", Nick: "bob"}, t0)
	require.NoError(t, err)
	require.Equal(t, StateActive, snap.State)
	return mgr, mgr.GetMatch(42), t0
}

func TestApplyMove_TurnAndParticipantChecks(t *testing.T) {
	_, m, t0 := newTestMatch(t, &stubOracle{})

	_, err := m.ApplyMove("b1", "e7e5", t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrNotYourTurn)

	_, err = m.ApplyMove("nobody", "e2e4", t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrNotParticipant)

	snap, err := m.ApplyMove("w1", "e2e4", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, snap.Outcome)
	assert.Equal(t, 1, snap.MoveCount)
}

func TestApplyMove_PendingMatchNotActive(t *testing.T) {
	mgr := NewManager(&stubOracle{}, slog.Disabled)
	t0 := time.Now()
	m := mgr.CreateMatch(1, Participant{ID: "w1"}, decimal.Zero, 0, t0)

	_, err := m.ApplyMove("w1", "e2e4", t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrMatchNotActive)
}

func TestApplyMove_ClockChargedToMover(t *testing.T) {
	_, m, t0 := newTestMatch(t, &stubOracle{})

	snap, err := m.ApplyMove("w1", "e2e4", t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 570*time.Second, snap.WhiteClock)
	assert.Equal(t, 600*time.Second, snap.BlackClock)

	snap, err = m.ApplyMove("b1", "e7e5", t0.Add(45*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 570*time.Second, snap.WhiteClock)
	assert.Equal(t, 585*time.Second, snap.BlackClock)

	m.Lock()
	require.Len(t, m.Moves, 2)
	assert.Equal(t, 1, m.Moves[0].Seq)
	assert.Equal(t, 2, m.Moves[1].Seq)
	assert.Equal(t, 30*time.Second, m.Moves[0].ThinkTime)
	assert.Equal(t, 15*time.Second, m.Moves[1].ThinkTime)
	m.Unlock()
}

func TestApplyMove_IllegalMoveMutatesNothing(t *testing.T) {
	_, m, t0 := newTestMatch(t, &stubOracle{illegal: map[string]bool{"zz": true}})

	before := m.Snapshot()
	_, err := m.ApplyMove("w1", "zz", t0.Add(20*time.Second))
	assert.ErrorIs(t, err, ErrIllegalMove)

	after := m.Snapshot()
	assert.Equal(t, before.FEN, after.FEN)
	assert.Equal(t, before.WhiteClock, after.WhiteClock)
	assert.Equal(t, before.LastTransition, after.LastTransition)
	assert.Equal(t, 0, after.MoveCount)
}

func TestApplyMove_TimeoutPreemptsLegality(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "legal move", token: "e2e4"},
		{name: "illegal move", token: "zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, m, t0 := newTestMatch(t, &stubOracle{illegal: map[string]bool{"zz": true}})

			snap, err := m.ApplyMove("w1", tt.token, t0.Add(601*time.Second))
			require.NoError(t, err)
			assert.Equal(t, OutcomeTimeout, snap.Outcome)
			assert.Equal(t, "b1", snap.WinnerID)
			assert.Equal(t, time.Duration(0), snap.WhiteClock)
			assert.Equal(t, StateFinished, snap.State)
			assert.Equal(t, 0, snap.MoveCount)
		})
	}
}

func TestApplyMove_CheckmateSetsWinner(t *testing.T) {
	oracle := &stubOracle{classify: OutcomeCheckmate}
	_, m, t0 := newTestMatch(t, oracle)

	snap, err := m.ApplyMove("w1", "d8h4", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCheckmate, snap.Outcome)
	assert.Equal(t, "w1", snap.WinnerID)
	assert.Equal(t, StateFinished, snap.State)
}

func TestApplyMove_StalemateHasNoWinner(t *testing.T) {
	oracle := &stubOracle{classify: OutcomeStalemate}
	_, m, t0 := newTestMatch(t, oracle)

	snap, err := m.ApplyMove("w1", "f7g6", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStalemate, snap.Outcome)
	assert.Empty(t, snap.WinnerID)
}

func TestResign(t *testing.T) {
	_, m, t0 := newTestMatch(t, &stubOracle{})

	snap, err := m.Resign("w1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeResignation, snap.Outcome)
	assert.Equal(t, "b1", snap.WinnerID)

	// Second resign must not double-process.
	_, err = m.Resign("b1", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrMatchNotActive)
}

func TestCheckClock_LazyTimeout(t *testing.T) {
	_, m, t0 := newTestMatch(t, &stubOracle{})

	snap, changed := m.CheckClock(t0.Add(599 * time.Second))
	assert.False(t, changed)
	assert.Equal(t, OutcomeNone, snap.Outcome)

	snap, changed = m.CheckClock(t0.Add(600 * time.Second))
	assert.True(t, changed)
	assert.Equal(t, OutcomeTimeout, snap.Outcome)
	assert.Equal(t, "b1", snap.WinnerID)
	assert.Equal(t, time.Duration(0), snap.WhiteClock)

	// Already finished; no further transition.
	_, changed = m.CheckClock(t0.Add(700 * time.Second))
	assert.False(t, changed)
}

func TestActiveIffOutcomeNone(t *testing.T) {
	_, m, t0 := newTestMatch(t, &stubOracle{})

	for i, now := 0, t0; i < 3; i++ {
		snap := m.Snapshot()
		assert.Equal(t, snap.Outcome == OutcomeNone, snap.State == StateActive)
		now = now.Add(time.Second)
		who := "w1"
		token := "e2e4"
		if i%2 == 1 {
			who, token = "b1", "e7e5"
		}
		_, err := m.ApplyMove(who, token, now)
		require.NoError(t, err)
	}

	_, err := m.Resign("w1", t0.Add(time.Minute))
	require.NoError(t, err)
	snap := m.Snapshot()
	assert.Equal(t, StateFinished, snap.State)
	assert.True(t, snap.Outcome.Terminal())
}

func TestConcurrentMoves_ExactlyOneAccepted(t *testing.T) {
	_, m, t0 := newTestMatch(t, &stubOracle{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.ApplyMove("w1", "e2e4", t0.Add(time.Second))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrNotYourTurn)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, m.Snapshot().MoveCount)
}

func TestOnFinished_FiredExactlyOnce(t *testing.T) {
	oracle := &stubOracle{classify: OutcomeCheckmate}
	mgr, m, t0 := newTestMatch(t, oracle)

	var mu sync.Mutex
	var fired []Snapshot
	mgr.OnFinished = func(snap Snapshot) {
		mu.Lock()
		fired = append(fired, snap)
		mu.Unlock()
	}

	_, err := m.ApplyMove("w1", "d8h4", t0.Add(time.Second))
	require.NoError(t, err)

	// Further mutation attempts fail and must not re-fire the hook.
	_, err = m.Resign("b1", t0.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrMatchNotActive)
	_, changed := m.CheckClock(t0.Add(time.Hour))
	assert.False(t, changed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1)
	assert.Equal(t, OutcomeCheckmate, fired[0].Outcome)
	assert.Equal(t, "w1", fired[0].WinnerID)
}

func TestJoinMatch(t *testing.T) {
	mgr := NewManager(&stubOracle{}, slog.Disabled)
	t0 := time.Now()
	mgr.CreateMatch(7, Participant{ID: "w1"}, decimal.Zero, 0, t0)

	_, err := mgr.JoinMatch(7, Participant{ID: "w1"}, t0)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	snap, err := mgr.JoinMatch(7, Participant{ID: "b1"}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, DefaultTimeControl, snap.WhiteClock)

	_, err = mgr.JoinMatch(7, Participant{ID: "c1"}, t0.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	_, err = mgr.JoinMatch(99, Participant{ID: "b1"}, t0)
	assert.ErrorIs(t, err, ErrUnknownMatch)
}
