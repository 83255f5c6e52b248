package arena

import (
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOracle_ApplyUCI(t *testing.T) {
	o := NewChessOracle()

	fen, err := o.Apply(StartingFEN, "e2e4")
	require.NoError(t, err)
	assert.Contains(t, fen, " b ")

	fen, err = o.Apply(fen, "e7e5")
	require.NoError(t, err)
	assert.Contains(t, fen, " w ")
}

func TestOracle_ApplySANFallback(t *testing.T) {
	o := NewChessOracle()

	fen, err := o.Apply(StartingFEN, "Nf3")
	require.NoError(t, err)
	assert.Contains(t, fen, " b ")
}

func TestOracle_IllegalMoves(t *testing.T) {
	o := NewChessOracle()

	tests := []string{
		"e2e5",    // pawn cannot jump three squares
		"e7e5",    // not white's piece
		"d1h5",    // queen blocked by own pawn
		"garbage", // not a move at all
	}
	for _, token := range tests {
		t.Run(token, func(t *testing.T) {
			_, err := o.Apply(StartingFEN, token)
			assert.ErrorIs(t, err, ErrIllegalMove)
		})
	}
}

func TestOracle_LegalMovesFromStart(t *testing.T) {
	o := NewChessOracle()

	moves, err := o.LegalMoves(StartingFEN)
	require.NoError(t, err)
	assert.Len(t, moves, 20)
	assert.Contains(t, moves, "e2e4")
	assert.Contains(t, moves, "g1f3")
}

func TestOracle_ClassifyFoolsMate(t *testing.T) {
	o := NewChessOracle()

	fen := StartingFEN
	for _, token := range []string{"f2f3", "e7e5", "g2g4"} {
		var err error
		fen, err = o.Apply(fen, token)
		require.NoError(t, err)

		outcome, err := o.Classify(fen)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNone, outcome)
	}

	fen, err := o.Apply(fen, "d8h4")
	require.NoError(t, err)

	outcome, err := o.Classify(fen)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCheckmate, outcome)
}

func TestOracle_ClassifyStalemate(t *testing.T) {
	o := NewChessOracle()

	outcome, err := o.Classify("7k/5Q2/6K1/8/8/8/8/8 b - - 0 1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStalemate, outcome)
}

func TestOracle_FoolsMateThroughMatch(t *testing.T) {
	mgr := NewManager(NewChessOracle(), slog.Disabled)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.CreateMatch(1, Participant{ID: "w1"}, decimal.Zero, DefaultTimeControl, t0)
	_, err := mgr.JoinMatch(1, Participant{ID: "b1"}, t0)
	require.NoError(t, err)

	moves := []struct {
		who   string
		token string
	}{
		{"w1", "f2f3"},
		{"b1", "e7e5"},
		{"w1", "g2g4"},
		{"b1", "d8h4"},
	}
	now := t0
	var snap Snapshot
	for _, mv := range moves {
		now = now.Add(5 * time.Second)
		snap, err = mgr.ApplyMove(1, mv.who, mv.token, now)
		require.NoError(t, err)
	}

	assert.Equal(t, OutcomeCheckmate, snap.Outcome)
	assert.Equal(t, "b1", snap.WinnerID)
	assert.Equal(t, StateFinished, snap.State)
	assert.Equal(t, 4, snap.MoveCount)
}
