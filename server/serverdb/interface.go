package serverdb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMatchNotFound      = errors.New("match not found")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrTokenNotFound      = errors.New("session token not found")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrInvariantViolation = errors.New("record violates a match invariant")
)

// MatchRecord is the persisted form of one match. Clocks are stored in
// milliseconds and the stake as a decimal string; the record carries
// no live state.
type MatchRecord struct {
	ID uint64 `gorm:"primaryKey"`

	FEN string

	WhiteID      string `gorm:"index"`
	WhiteNick    string
	WhiteAddress string
	BlackID      string `gorm:"index"`
	BlackNick    string
	BlackAddress string

	WhiteClockMs   int64
	BlackClockMs   int64
	LastTransition time.Time

	Stake         string
	Active        bool `gorm:"index"`
	Outcome       string
	WinnerID      string
	PayoutClaimed bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MoveRow is one accepted move. (MatchID, Seq) is unique so replayed
// saves are harmless.
type MoveRow struct {
	ID          uint64 `gorm:"primaryKey"`
	MatchID     uint64 `gorm:"uniqueIndex:idx_match_seq"`
	Seq         int    `gorm:"uniqueIndex:idx_match_seq"`
	Token       string
	ThinkTimeMs int64
	PlayedAt    time.Time
}

// ProfileRecord is a registered player: nick, payout address, rating.
type ProfileRecord struct {
	ID      string `gorm:"primaryKey"`
	Nick    string `gorm:"uniqueIndex"`
	Address string
	Rating  int `gorm:"default:1200"`
	Wins    int
	Losses  int
	Draws   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettlementRecord is a produced settlement authorization. Signing is
// deterministic, but the signature a winner already saw must survive a
// restart, so the first one produced is stored.
type SettlementRecord struct {
	MatchID uint64 `gorm:"primaryKey"`
	Draw    bool
	Winner  string
	Digest  string
	V       uint8
	R       string
	S       string

	CreatedAt time.Time
}

// SessionTokenRecord binds a websocket session token to a match and,
// for participants, a profile.
type SessionTokenRecord struct {
	Token         string `gorm:"primaryKey"`
	MatchID       uint64 `gorm:"index"`
	ParticipantID string
	Nick          string
	Observer      bool
	CreatedAt     time.Time
}

type ServerDB interface {
	// SaveMatch upserts a match record. Records where Active
	// disagrees with Outcome, or with a negative clock, are rejected
	// with ErrInvariantViolation before touching storage.
	SaveMatch(ctx context.Context, rec *MatchRecord) error
	FetchMatch(ctx context.Context, id uint64) (*MatchRecord, error)
	FetchActiveMatches(ctx context.Context) ([]*MatchRecord, error)
	NextMatchID(ctx context.Context) (uint64, error)

	SaveMoves(ctx context.Context, matchID uint64, moves []MoveRow) error
	FetchMoves(ctx context.Context, matchID uint64) ([]MoveRow, error)

	UpsertProfile(ctx context.Context, rec *ProfileRecord) error
	FetchProfile(ctx context.Context, id string) (*ProfileRecord, error)
	Leaderboard(ctx context.Context, limit int) ([]*ProfileRecord, error)

	SaveSettlement(ctx context.Context, rec *SettlementRecord) error
	FetchSettlement(ctx context.Context, matchID uint64) (*SettlementRecord, error)

	SaveSessionToken(ctx context.Context, rec *SessionTokenRecord) error
	FetchSessionToken(ctx context.Context, token string) (*SessionTokenRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
