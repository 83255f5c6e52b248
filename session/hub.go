package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mikky00B/Chess-Arena/arena"
)

// Identity is what a session token resolves to. Observer identities
// may subscribe and chat but never mutate.
type Identity struct {
	ParticipantID string
	Nick          string
	Observer      bool
}

// Authorizer resolves a session token for a match. Tokens are minted
// when a participant creates or joins a match; observer tokens come
// from the same mint with the observer bit set.
type Authorizer interface {
	Authorize(token string, matchID uint64) (Identity, error)
}

var ErrUnauthorized = errors.New("session: unauthorized")

// Hub owns the per-match rooms and the websocket endpoint. State
// mutations arriving over a room's connections are serialized by that
// room's mutation mutex and broadcast in commit order.
type Hub struct {
	mgr  *arena.Manager
	auth Authorizer
	log  slog.Logger

	// Now is replaceable in tests.
	Now func() time.Time

	roomsMu sync.Mutex
	rooms   map[uint64]*Room

	upgrader websocket.Upgrader
}

func NewHub(mgr *arena.Manager, auth Authorizer, log slog.Logger) *Hub {
	return &Hub{
		mgr:   mgr,
		auth:  auth,
		log:   log,
		Now:   time.Now,
		rooms: make(map[uint64]*Room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) room(matchID uint64) *Room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	r, ok := h.rooms[matchID]
	if !ok {
		r = newRoom(matchID, h.log)
		h.rooms[matchID] = r
	}
	return r
}

func (h *Hub) lookupRoom(matchID uint64) *Room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	return h.rooms[matchID]
}

// HandleWS upgrades a subscription request. The token is checked
// before the upgrade: unauthenticated requests never join a group.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	matchID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad match id", http.StatusBadRequest)
		return
	}
	m := h.mgr.GetMatch(matchID)
	if m == nil {
		http.Error(w, "unknown match", http.StatusNotFound)
		return
	}

	ident, err := h.auth.Authorize(r.URL.Query().Get("token"), matchID)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("match %d: websocket upgrade: %v", matchID, err)
		return
	}

	c := newConn(ws, ident.ParticipantID, ident.Nick, ident.Observer)
	room := h.room(matchID)
	room.add(c)
	go c.writeLoop()

	// Reconnects carry no session state; the snapshot on subscribe is
	// the whole resync.
	c.enqueue(encodeState(m.Snapshot()))

	h.log.Debugf("match %d: %s subscribed (observer=%v)", matchID, ident.Nick, ident.Observer)
	h.readLoop(room, c, matchID)

	room.remove(c)
	h.log.Debugf("match %d: %s disconnected", matchID, ident.Nick)
}

func (h *Hub) readLoop(room *Room, c *Conn, matchID uint64) {
	for {
		_, p, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(p, &in); err != nil {
			c.enqueue(encodeError("malformed message"))
			continue
		}

		switch in.Type {
		case TypeMove:
			if c.observer {
				c.enqueue(encodeError("observers cannot move"))
				continue
			}
			room.withMutation(func() {
				snap, err := h.mgr.ApplyMove(matchID, c.participantID, in.Token, h.Now())
				if err != nil {
					c.enqueue(encodeError(err.Error()))
					return
				}
				room.broadcast(encodeState(snap))
			})

		case TypeResign:
			if c.observer {
				c.enqueue(encodeError("observers cannot resign"))
				continue
			}
			room.withMutation(func() {
				snap, err := h.mgr.Resign(matchID, c.participantID, h.Now())
				if err != nil {
					c.enqueue(encodeError(err.Error()))
					return
				}
				room.broadcast(encodeState(snap))
			})

		case TypeChat:
			// Chat never touches the mutation region.
			room.broadcast(encodeChat(c.nick, in.Text))

		default:
			c.enqueue(encodeError("unknown message type"))
		}
	}
}

// Mutate runs a state mutation from outside the websocket path (HTTP
// join, for example) under the same per-room ordering as socket moves,
// broadcasting the result on success.
func (h *Hub) Mutate(matchID uint64, fn func() (arena.Snapshot, error)) (arena.Snapshot, error) {
	room := h.room(matchID)
	var snap arena.Snapshot
	var err error
	room.withMutation(func() {
		snap, err = fn()
		if err == nil {
			room.broadcast(encodeState(snap))
		}
	})
	return snap, err
}

// TimeoutScan runs lazy clock checks over every live match, routing
// any resulting transition through the room ordering so subscribers
// see the timeout in sequence with moves.
func (h *Hub) TimeoutScan(now time.Time) int {
	expired := 0
	for id, m := range h.mgr.MatchesSnapshot() {
		room := h.lookupRoom(id)
		if room == nil {
			if _, changed := m.CheckClock(now); changed {
				expired++
			}
			continue
		}
		m := m
		room.withMutation(func() {
			snap, changed := m.CheckClock(now)
			if changed {
				expired++
				room.broadcast(encodeState(snap))
			}
		})
	}
	return expired
}

// DropRoom closes a room's connections and forgets it. Called when a
// finished match is evicted from the live set.
func (h *Hub) DropRoom(matchID uint64) {
	h.roomsMu.Lock()
	r := h.rooms[matchID]
	delete(h.rooms, matchID)
	h.roomsMu.Unlock()
	if r == nil {
		return
	}
	r.connsMu.Lock()
	for c := range r.conns {
		c.close()
	}
	r.conns = make(map[*Conn]struct{})
	r.connsMu.Unlock()
}

// Shutdown closes every connection and clears the room table.
func (h *Hub) Shutdown() {
	h.roomsMu.Lock()
	rooms := h.rooms
	h.rooms = make(map[uint64]*Room)
	h.roomsMu.Unlock()

	for _, r := range rooms {
		r.connsMu.Lock()
		for c := range r.conns {
			c.close()
		}
		r.conns = make(map[*Conn]struct{})
		r.connsMu.Unlock()
	}
}
