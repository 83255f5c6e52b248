package serverdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SqliteDB {
	t.Helper()
	db, err := NewSqliteDB("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func activeRecord(id uint64) *MatchRecord {
	return &MatchRecord{
		ID:             id,
		FEN:            "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		WhiteID:        "w1",
		WhiteNick:      "alice",
		BlackID:        "b1",
		BlackNick:      "bob",
		WhiteClockMs:   600_000,
		BlackClockMs:   600_000,
		LastTransition: time.Now().UTC(),
		Stake:          "0.05",
		Active:         true,
	}
}

func TestSaveMatch_InvariantEnforcement(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*MatchRecord)
	}{
		{"active with outcome", func(r *MatchRecord) { r.Outcome = "checkmate" }},
		{"finished without outcome", func(r *MatchRecord) { r.Active = false }},
		{"negative white clock", func(r *MatchRecord) { r.WhiteClockMs = -1 }},
		{"negative black clock", func(r *MatchRecord) { r.BlackClockMs = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := activeRecord(1)
			tt.mutate(rec)
			err := db.SaveMatch(ctx, rec)
			assert.ErrorIs(t, err, ErrInvariantViolation)
		})
	}

	// Nothing was persisted by the rejected saves.
	_, err := db.FetchMatch(ctx, 1)
	assert.ErrorIs(t, err, ErrMatchNotFound)
}

func TestSaveMatch_UpsertAndFetch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := activeRecord(7)
	require.NoError(t, db.SaveMatch(ctx, rec))

	rec.Active = false
	rec.Outcome = "resignation"
	rec.WinnerID = "b1"
	require.NoError(t, db.SaveMatch(ctx, rec))

	got, err := db.FetchMatch(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "resignation", got.Outcome)
	assert.Equal(t, "b1", got.WinnerID)
	assert.False(t, got.Active)

	active, err := db.FetchActiveMatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestNextMatchID(t *testing.T) {
	dir := t.TempDir()
	db, err := NewSqliteDB(dir)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := db.NextMatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	require.NoError(t, db.SaveMatch(ctx, activeRecord(9)))
	require.NoError(t, db.Close())

	// A reopened database allocates above anything persisted.
	db, err = NewSqliteDB(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	id, err = db.NextMatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), id)
}

func TestNextMatchID_ConcurrentAllocationsDistinct(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	const n = 32
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := db.NextMatchID(ctx)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestSaveMoves_IdempotentOnSeq(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	moves := []MoveRow{
		{Seq: 1, Token: "e2e4", ThinkTimeMs: 3000, PlayedAt: time.Now().UTC()},
		{Seq: 2, Token: "e7e5", ThinkTimeMs: 2000, PlayedAt: time.Now().UTC()},
	}
	require.NoError(t, db.SaveMoves(ctx, 7, moves))
	// Replaying the same rows is a no-op, not a constraint error.
	require.NoError(t, db.SaveMoves(ctx, 7, moves))

	got, err := db.FetchMoves(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2e4", got[0].Token)
	assert.Equal(t, "e7e5", got[1].Token)
}

func TestProfilesAndLeaderboard(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertProfile(ctx, &ProfileRecord{ID: "p1", Nick: "alice", Rating: 1250}))
	require.NoError(t, db.UpsertProfile(ctx, &ProfileRecord{ID: "p2", Nick: "bob", Rating: 1350}))
	require.NoError(t, db.UpsertProfile(ctx, &ProfileRecord{ID: "p1", Nick: "alice", Rating: 1400, Wins: 1}))

	got, err := db.FetchProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1400, got.Rating)
	assert.Equal(t, 1, got.Wins)

	_, err = db.FetchProfile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	board, err := db.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "p1", board[0].ID)
	assert.Equal(t, "p2", board[1].ID)
}

func TestSessionTokens(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := &SessionTokenRecord{
		Token:         "tok-1",
		MatchID:       7,
		ParticipantID: "p1",
		Nick:          "alice",
	}
	require.NoError(t, db.SaveSessionToken(ctx, rec))

	got, err := db.FetchSessionToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.MatchID)
	assert.Equal(t, "p1", got.ParticipantID)
	assert.False(t, got.Observer)

	_, err = db.FetchSessionToken(ctx, "tok-x")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestSettlements(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.FetchSettlement(ctx, 7)
	assert.ErrorIs(t, err, ErrSettlementNotFound)

	rec := &SettlementRecord{
		MatchID: 7,
		Winner:  "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		Digest:  "0x01",
		V:       27,
		R:       "0x02",
		S:       "0x03",
	}
	require.NoError(t, db.SaveSettlement(ctx, rec))
	// Replays keep the first stored signature.
	require.NoError(t, db.SaveSettlement(ctx, &SettlementRecord{MatchID: 7, V: 28}))

	got, err := db.FetchSettlement(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint8(27), got.V)
	assert.Equal(t, rec.Winner, got.Winner)
	assert.Equal(t, rec.Digest, got.Digest)
}
