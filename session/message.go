package session

import (
	"encoding/json"

	"github.com/mikky00B/Chess-Arena/arena"
)

// Inbound is the client-to-server message envelope. Type selects the
// action; unused fields stay empty.
type Inbound struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Text  string `json:"text,omitempty"`
}

const (
	TypeMove   = "move"
	TypeResign = "resign"
	TypeChat   = "chat"
	TypeState  = "state"
	TypeError  = "error"
)

// StateMsg is broadcast to the whole room after every committed
// transition, and sent to each connection on subscribe.
type StateMsg struct {
	Type         string `json:"type"`
	MatchID      uint64 `json:"match_id"`
	State        string `json:"state"`
	Position     string `json:"position"`
	WhiteClockMs int64  `json:"white_clock_ms"`
	BlackClockMs int64  `json:"black_clock_ms"`
	Outcome      string `json:"outcome"`
	Winner       string `json:"winner,omitempty"`
	LastMove     string `json:"last_move,omitempty"`
	MoveCount    int    `json:"move_count"`
}

// ChatMsg fans out verbatim to every room member.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
	From string `json:"from"`
}

// ErrorMsg goes to the requester only; rejected mutations never reach
// the rest of the room.
type ErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func encodeState(snap arena.Snapshot) []byte {
	msg := StateMsg{
		Type:         TypeState,
		MatchID:      snap.ID,
		State:        string(snap.State),
		Position:     snap.FEN,
		WhiteClockMs: snap.WhiteClock.Milliseconds(),
		BlackClockMs: snap.BlackClock.Milliseconds(),
		Outcome:      string(snap.Outcome),
		Winner:       snap.WinnerID,
		LastMove:     snap.LastMove,
		MoveCount:    snap.MoveCount,
	}
	b, _ := json.Marshal(msg)
	return b
}

func encodeChat(from, text string) []byte {
	b, _ := json.Marshal(ChatMsg{Type: TypeChat, Text: text, From: from})
	return b
}

func encodeError(reason string) []byte {
	b, _ := json.Marshal(ErrorMsg{Type: TypeError, Reason: reason})
	return b
}
