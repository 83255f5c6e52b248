package arena

import (
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
)

// StartingFEN is the initial chess position.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// DefaultTimeControl is the per-side clock budget for new matches.
const DefaultTimeControl = 600 * time.Second

type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeCheckmate   Outcome = "checkmate"
	OutcomeResignation Outcome = "resignation"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeStalemate   Outcome = "stalemate"
	OutcomeDrawRule    Outcome = "draw_rule"
)

// Terminal reports whether the outcome ends a match.
func (o Outcome) Terminal() bool { return o != OutcomeNone }

// Decisive reports whether the outcome has a winner. Stalemates and
// rule draws never do.
func (o Outcome) Decisive() bool {
	switch o {
	case OutcomeCheckmate, OutcomeResignation, OutcomeTimeout:
		return true
	}
	return false
}

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Other returns the opposing color.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateFinished State = "finished"
)

// Participant is one side of a match. Address is the participant's
// payout address on the escrow chain; it may be empty until the
// participant registers one.
type Participant struct {
	ID      string
	Nick    string
	Address string
}

// MoveRecord is an append-only record of one accepted move.
type MoveRecord struct {
	Seq       int
	Token     string
	ThinkTime time.Duration
	At        time.Time
}

// Match owns the canonical state of one match. All mutation goes
// through ApplyMove/Resign/CheckClock, which serialize on the embedded
// mutex; different matches never contend on a shared lock.
type Match struct {
	sync.Mutex

	ID    uint64
	FEN   string
	White *Participant
	Black *Participant

	WhiteClock     time.Duration
	BlackClock     time.Duration
	LastTransition time.Time

	Stake    decimal.Decimal
	Outcome  Outcome
	WinnerID string
	Moves    []MoveRecord

	// PayoutClaimed is settlement bookkeeping; it is the only field
	// that may change after the match finishes.
	PayoutClaimed bool

	oracle     Oracle
	onFinished func(Snapshot)
	log        slog.Logger
}

// Snapshot is an immutable copy of match state taken inside the
// mutation region, safe to broadcast and persist without further
// locking.
type Snapshot struct {
	ID             uint64
	FEN            string
	State          State
	White          Participant
	Black          Participant
	HasBlack       bool
	WhiteClock     time.Duration
	BlackClock     time.Duration
	LastTransition time.Time
	Stake          decimal.Decimal
	Outcome        Outcome
	WinnerID       string
	MoveCount      int
	LastMove       string
	PayoutClaimed  bool
}

// Manager tracks live matches. Each match serializes its own mutation;
// the manager map has its own mutex, taken only for lookups and
// registration.
type Manager struct {
	matchesMu sync.RWMutex
	matches   map[uint64]*Match

	Oracle Oracle
	Log    slog.Logger

	// OnFinished is invoked synchronously, exactly once per match, by
	// the mutation that moves the outcome away from none. It runs
	// outside the match lock with a snapshot of the final state.
	OnFinished func(Snapshot)
}
