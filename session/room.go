package session

import (
	"sync"

	"github.com/decred/slog"
)

// Room is the broadcast group for one match. mutationMu admits one
// state mutation at a time and covers the broadcast enqueue too, so
// every member observes state updates in commit order. Chat bypasses
// mutationMu entirely.
type Room struct {
	matchID uint64
	log     slog.Logger

	// mutationMu wraps {manager call + broadcast enqueue}.
	mutationMu sync.Mutex

	connsMu sync.RWMutex
	conns   map[*Conn]struct{}
}

func newRoom(matchID uint64, log slog.Logger) *Room {
	return &Room{
		matchID: matchID,
		log:     log,
		conns:   make(map[*Conn]struct{}),
	}
}

func (r *Room) add(c *Conn) {
	r.connsMu.Lock()
	r.conns[c] = struct{}{}
	r.connsMu.Unlock()
}

func (r *Room) remove(c *Conn) {
	r.connsMu.Lock()
	delete(r.conns, c)
	r.connsMu.Unlock()
	c.close()
}

func (r *Room) size() int {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.conns)
}

// broadcast enqueues msg on every member. Members whose queue is full
// are dropped from the group; their reader notices via the closed
// socket.
func (r *Room) broadcast(msg []byte) {
	r.connsMu.RLock()
	var dead []*Conn
	for c := range r.conns {
		if !c.enqueue(msg) {
			dead = append(dead, c)
		}
	}
	r.connsMu.RUnlock()

	for _, c := range dead {
		r.log.Warnf("match %d: dropping unresponsive connection (%s)",
			r.matchID, c.nick)
		r.remove(c)
	}
}

// withMutation runs fn while holding the room's mutation mutex. Every
// state transition for this match, including sweeper timeouts, goes
// through here.
func (r *Room) withMutation(fn func()) {
	r.mutationMu.Lock()
	defer r.mutationMu.Unlock()
	fn()
}
