package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mikky00B/Chess-Arena/server/serverdb"
	"github.com/mikky00B/Chess-Arena/session"
)

// tokenAuth mints and resolves websocket session tokens. Tokens live
// in the database so they survive restarts; resolution goes through a
// cache because the hub checks one per upgrade.
type tokenAuth struct {
	db    serverdb.ServerDB
	cache *gocache.Cache
}

func newTokenAuth(db serverdb.ServerDB) *tokenAuth {
	return &tokenAuth{
		db:    db,
		cache: gocache.New(time.Hour, 10*time.Minute),
	}
}

func (a *tokenAuth) mint(ctx context.Context, matchID uint64, participantID, nick string, observer bool) (string, error) {
	rec := &serverdb.SessionTokenRecord{
		Token:         uuid.NewString(),
		MatchID:       matchID,
		ParticipantID: participantID,
		Nick:          nick,
		Observer:      observer,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.db.SaveSessionToken(ctx, rec); err != nil {
		return "", err
	}
	a.cache.SetDefault(rec.Token, rec)
	return rec.Token, nil
}

// Authorize implements session.Authorizer.
func (a *tokenAuth) Authorize(token string, matchID uint64) (session.Identity, error) {
	var rec *serverdb.SessionTokenRecord
	if cached, ok := a.cache.Get(token); ok {
		rec = cached.(*serverdb.SessionTokenRecord)
	} else {
		var err error
		rec, err = a.db.FetchSessionToken(context.Background(), token)
		if err != nil {
			return session.Identity{}, session.ErrUnauthorized
		}
		a.cache.SetDefault(token, rec)
	}

	if rec.MatchID != matchID {
		return session.Identity{}, session.ErrUnauthorized
	}
	return session.Identity{
		ParticipantID: rec.ParticipantID,
		Nick:          rec.Nick,
		Observer:      rec.Observer,
	}, nil
}
