package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mikky00B/Chess-Arena/arena"
	"github.com/mikky00B/Chess-Arena/chainwitness"
	"github.com/mikky00B/Chess-Arena/server/serverdb"
	"github.com/mikky00B/Chess-Arena/settlement"
)

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)

	r.Route("/api", func(r chi.Router) {
		r.Post("/profiles", s.handleUpsertProfile)
		r.Get("/profiles/{id}", s.handleGetProfile)
		r.Get("/leaderboard", s.handleLeaderboard)

		r.Post("/matches", s.handleCreateMatch)
		r.Route("/matches/{id}", func(r chi.Router) {
			r.Get("/", s.handleMatchState)
			r.Post("/join", s.handleJoinMatch)
			r.Post("/observe", s.handleObserveMatch)
			r.Get("/moves", s.handleMatchMoves)
			r.Get("/fairplay", s.handleFairplayReport)
			r.Get("/signature", s.handleSignature)
			r.Post("/deposit", s.handleVerifyDeposit)
			r.Post("/payout", s.handleVerifyPayout)
		})
	})

	r.Get("/ws/matches/{id}", s.hub.HandleWS)
	return r
}

// decode binds and validates a JSON request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := render.DecodeJSON(r.Body, req); err != nil {
		renderErr(w, r, "malformed request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			renderErr(w, r, validationError(verrs), http.StatusBadRequest)
		} else {
			renderErr(w, r, "invalid request", http.StatusBadRequest)
		}
		return false
	}
	return true
}

func matchIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		renderErr(w, r, "bad match id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

type profileRequest struct {
	ID      string `json:"id"`
	Nick    string `json:"nick" validate:"required,min=2,max=32"`
	Address string `json:"address" validate:"omitempty,eth_addr"`
}

type profileResponse struct {
	ID      string `json:"id"`
	Nick    string `json:"nick"`
	Address string `json:"address,omitempty"`
	Rating  int    `json:"rating"`
	Wins    int    `json:"wins"`
	Losses  int    `json:"losses"`
	Draws   int    `json:"draws"`
}

func profileToResponse(rec *serverdb.ProfileRecord) profileResponse {
	return profileResponse{
		ID:      rec.ID,
		Nick:    rec.Nick,
		Address: rec.Address,
		Rating:  rec.Rating,
		Wins:    rec.Wins,
		Losses:  rec.Losses,
		Draws:   rec.Draws,
	}
}

func (s *Server) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec := &serverdb.ProfileRecord{ID: req.ID, Rating: 1200}
	if req.ID == "" {
		rec.ID = uuid.NewString()
	} else if existing, err := s.db.FetchProfile(r.Context(), req.ID); err == nil {
		rec = existing
	}
	rec.Nick = req.Nick
	rec.Address = req.Address

	if err := s.db.UpsertProfile(r.Context(), rec); err != nil {
		s.log.Errorf("Upsert profile %s: %v", rec.ID, err)
		renderErr(w, r, "failed to save profile", http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, profileToResponse(rec))
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.FetchProfile(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, serverdb.ErrProfileNotFound) {
		renderErr(w, r, "profile not found", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to fetch profile", http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, profileToResponse(rec))
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.db.Leaderboard(r.Context(), limit)
	if err != nil {
		renderErr(w, r, "failed to fetch leaderboard", http.StatusInternalServerError)
		return
	}
	out := make([]profileResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, profileToResponse(rec))
	}
	render.JSON(w, r, out)
}

type createMatchRequest struct {
	HostID         string `json:"host_id" validate:"required"`
	Stake          string `json:"stake" validate:"required"`
	TimeControlSec int64  `json:"time_control_sec" validate:"omitempty,min=30,max=86400"`
}

type createMatchResponse struct {
	MatchID      uint64 `json:"match_id"`
	SessionToken string `json:"session_token"`
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if !s.decode(w, r, &req) {
		return
	}

	stake, err := decimal.NewFromString(req.Stake)
	if err != nil || stake.IsNegative() {
		renderErr(w, r, "bad stake amount", http.StatusBadRequest)
		return
	}
	if stake.LessThan(s.minStake) {
		renderErr(w, r, "stake below server minimum", http.StatusBadRequest)
		return
	}

	host, err := s.db.FetchProfile(r.Context(), req.HostID)
	if errors.Is(err, serverdb.ErrProfileNotFound) {
		renderErr(w, r, "unknown host profile", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to fetch profile", http.StatusInternalServerError)
		return
	}
	if stake.IsPositive() && host.Address == "" {
		renderErr(w, r, "host profile has no payout address", http.StatusUnprocessableEntity)
		return
	}

	id, err := s.db.NextMatchID(r.Context())
	if err != nil {
		renderErr(w, r, "failed to allocate match id", http.StatusInternalServerError)
		return
	}

	white := arena.Participant{ID: host.ID, Nick: host.Nick, Address: host.Address}
	m := s.manager.CreateMatch(id, white, stake, time.Duration(req.TimeControlSec)*time.Second, time.Now())
	if err := s.persistMatch(r.Context(), m.Snapshot()); err != nil {
		s.log.Errorf("Persist new match %d: %v", id, err)
	}

	token, err := s.auth.mint(r.Context(), id, host.ID, host.Nick, false)
	if err != nil {
		renderErr(w, r, "failed to mint session token", http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, createMatchResponse{MatchID: id, SessionToken: token})
}

type joinMatchRequest struct {
	ParticipantID string `json:"participant_id" validate:"required"`
}

type joinMatchResponse struct {
	SessionToken string             `json:"session_token"`
	State        matchStateResponse `json:"state"`
}

func (s *Server) handleJoinMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	var req joinMatchRequest
	if !s.decode(w, r, &req) {
		return
	}

	profile, err := s.db.FetchProfile(r.Context(), req.ParticipantID)
	if errors.Is(err, serverdb.ErrProfileNotFound) {
		renderErr(w, r, "unknown profile", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to fetch profile", http.StatusInternalServerError)
		return
	}

	m := s.manager.GetMatch(id)
	if m == nil {
		renderErr(w, r, "unknown match", http.StatusNotFound)
		return
	}
	if m.Snapshot().Stake.IsPositive() && profile.Address == "" {
		renderErr(w, r, "profile has no payout address", http.StatusUnprocessableEntity)
		return
	}

	black := arena.Participant{ID: profile.ID, Nick: profile.Nick, Address: profile.Address}
	snap, err := s.hub.Mutate(id, func() (arena.Snapshot, error) {
		return s.manager.JoinMatch(id, black, time.Now())
	})
	switch {
	case errors.Is(err, arena.ErrAlreadyJoined):
		renderErr(w, r, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, arena.ErrUnknownMatch):
		renderErr(w, r, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		renderErr(w, r, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.persistMatch(r.Context(), snap); err != nil {
		s.log.Errorf("Persist joined match %d: %v", id, err)
	}

	token, err := s.auth.mint(r.Context(), id, profile.ID, profile.Nick, false)
	if err != nil {
		renderErr(w, r, "failed to mint session token", http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, joinMatchResponse{
		SessionToken: token,
		State:        s.stateResponse(snap),
	})
}

type observeRequest struct {
	Nick string `json:"nick" validate:"omitempty,max=32"`
}

func (s *Server) handleObserveMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	var req observeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.manager.GetMatch(id) == nil {
		renderErr(w, r, "unknown match", http.StatusNotFound)
		return
	}
	nick := req.Nick
	if nick == "" {
		nick = "observer"
	}
	token, err := s.auth.mint(r.Context(), id, "", nick, true)
	if err != nil {
		renderErr(w, r, "failed to mint session token", http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, map[string]string{"session_token": token})
}

type playerInfo struct {
	ID   string `json:"id"`
	Nick string `json:"nick"`
}

type matchStateResponse struct {
	MatchID           uint64     `json:"match_id"`
	State             string     `json:"state"`
	Position          string     `json:"position"`
	White             playerInfo `json:"white"`
	Black             playerInfo `json:"black,omitempty"`
	WhiteClockMs      int64      `json:"white_clock_ms"`
	BlackClockMs      int64      `json:"black_clock_ms"`
	Stake             string     `json:"stake"`
	Outcome           string     `json:"outcome"`
	Winner            string     `json:"winner,omitempty"`
	MoveCount         int        `json:"move_count"`
	LastMove          string     `json:"last_move,omitempty"`
	PayoutClaimed     bool       `json:"payout_claimed"`
	AbandonTimeoutSec int64      `json:"abandon_timeout_sec"`
}

func (s *Server) stateResponse(snap arena.Snapshot) matchStateResponse {
	resp := matchStateResponse{
		MatchID:           snap.ID,
		State:             string(snap.State),
		Position:          snap.FEN,
		White:             playerInfo{ID: snap.White.ID, Nick: snap.White.Nick},
		WhiteClockMs:      snap.WhiteClock.Milliseconds(),
		BlackClockMs:      snap.BlackClock.Milliseconds(),
		Stake:             snap.Stake.String(),
		Outcome:           string(snap.Outcome),
		Winner:            snap.WinnerID,
		MoveCount:         snap.MoveCount,
		LastMove:          snap.LastMove,
		PayoutClaimed:     snap.PayoutClaimed,
		AbandonTimeoutSec: int64(s.cfg.AbandonTimeout.Seconds()),
	}
	if snap.HasBlack {
		resp.Black = playerInfo{ID: snap.Black.ID, Nick: snap.Black.Nick}
	}
	return resp
}

func (s *Server) handleMatchState(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	snap, err := s.snapshotFor(r.Context(), id)
	if errors.Is(err, serverdb.ErrMatchNotFound) {
		renderErr(w, r, "unknown match", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to load match", http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, s.stateResponse(snap))
}

type moveResponse struct {
	Seq         int    `json:"seq"`
	Token       string `json:"token"`
	ThinkTimeMs int64  `json:"think_time_ms"`
	PlayedAt    string `json:"played_at"`
}

func (s *Server) handleMatchMoves(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	records, err := s.matchMoves(r.Context(), id)
	if errors.Is(err, serverdb.ErrMatchNotFound) {
		renderErr(w, r, "unknown match", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to load moves", http.StatusInternalServerError)
		return
	}
	out := make([]moveResponse, 0, len(records))
	for _, mr := range records {
		out = append(out, moveResponse{
			Seq:         mr.Seq,
			Token:       mr.Token,
			ThinkTimeMs: mr.ThinkTime.Milliseconds(),
			PlayedAt:    mr.At.UTC().Format(time.RFC3339),
		})
	}
	render.JSON(w, r, out)
}

// handleSignature is the single settlement retrieval path: it returns
// the stored authorization or produces it now, identically either way.
// Stored signatures survive restarts and match eviction.
func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	if s.signer == nil {
		renderErr(w, r, "settlement signing not configured", http.StatusServiceUnavailable)
		return
	}

	stored, err := s.db.FetchSettlement(r.Context(), id)
	if err == nil {
		render.JSON(w, r, authorizationFromRecord(stored))
		return
	}
	if !errors.Is(err, serverdb.ErrSettlementNotFound) {
		s.log.Errorf("Fetch settlement for match %d: %v", id, err)
	}

	snap, err := s.snapshotFor(r.Context(), id)
	if errors.Is(err, serverdb.ErrMatchNotFound) {
		renderErr(w, r, "unknown match", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to load match", http.StatusInternalServerError)
		return
	}

	auth, err := s.signer.Authorize(snap)
	switch {
	case errors.Is(err, settlement.ErrMatchNotSettleable):
		renderErr(w, r, "match is not finished", http.StatusConflict)
		return
	case errors.Is(err, settlement.ErrWinnerAddressMissing):
		renderErr(w, r, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		s.log.Errorf("Authorize settlement for match %d: %v", id, err)
		renderErr(w, r, "failed to authorize settlement", http.StatusInternalServerError)
		return
	}
	if err := s.db.SaveSettlement(r.Context(), settlementRecord(auth)); err != nil {
		s.log.Errorf("Store settlement for match %d: %v", id, err)
	}
	render.JSON(w, r, auth)
}

type txReportRequest struct {
	TxHash        string `json:"tx_hash" validate:"required,len=66,startswith=0x"`
	ParticipantID string `json:"participant_id"`
}

func (s *Server) handleVerifyDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	if s.witness == nil {
		renderErr(w, r, "chain verification not configured", http.StatusServiceUnavailable)
		return
	}
	var req txReportRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.snapshotFor(r.Context(), id)
	if errors.Is(err, serverdb.ErrMatchNotFound) {
		renderErr(w, r, "unknown match", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to load match", http.StatusInternalServerError)
		return
	}

	var depositor common.Address
	switch req.ParticipantID {
	case snap.White.ID:
		depositor = common.HexToAddress(snap.White.Address)
	case snap.Black.ID:
		depositor = common.HexToAddress(snap.Black.Address)
	}

	err = s.witness.VerifyDeposit(r.Context(), common.HexToHash(req.TxHash), id, snap.Stake, depositor)
	if errors.Is(err, chainwitness.ErrVerificationFailed) {
		renderErr(w, r, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		renderErr(w, r, "verification error", http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, Response{Status: http.StatusOK})
}

func (s *Server) handleVerifyPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	if s.witness == nil {
		renderErr(w, r, "chain verification not configured", http.StatusServiceUnavailable)
		return
	}
	var req txReportRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.snapshotFor(r.Context(), id)
	if errors.Is(err, serverdb.ErrMatchNotFound) {
		renderErr(w, r, "unknown match", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to load match", http.StatusInternalServerError)
		return
	}

	err = s.witness.VerifyPayout(r.Context(), common.HexToHash(req.TxHash), snap)
	if errors.Is(err, chainwitness.ErrVerificationFailed) {
		renderErr(w, r, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		renderErr(w, r, "verification error", http.StatusInternalServerError)
		return
	}

	if m := s.manager.GetMatch(id); m != nil {
		m.MarkPayoutClaimed()
		if err := s.persistMatch(r.Context(), m.Snapshot()); err != nil {
			s.log.Errorf("Persist payout for match %d: %v", id, err)
		}
	} else if rec, err := s.db.FetchMatch(r.Context(), id); err == nil {
		rec.PayoutClaimed = true
		if err := s.db.SaveMatch(r.Context(), rec); err != nil {
			s.log.Errorf("Persist payout for match %d: %v", id, err)
		}
	}
	render.JSON(w, r, Response{Status: http.StatusOK})
}

type fairplayResponse struct {
	MatchID uint64         `json:"match_id"`
	Report  fairplayReport `json:"report"`
}

func (s *Server) handleFairplayReport(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	records, err := s.matchMoves(r.Context(), id)
	if errors.Is(err, serverdb.ErrMatchNotFound) {
		renderErr(w, r, "unknown match", http.StatusNotFound)
		return
	}
	if err != nil {
		renderErr(w, r, "failed to load moves", http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, fairplayResponse{MatchID: id, Report: analyzeMoves(records)})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok", "service": name})
}

// handleHealthReady gates readiness on the database alone; the signer
// and witness are optional subsystems and only reported.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db.Ping(r.Context()) == nil
	checks := map[string]bool{
		"database":          dbOK,
		"settlement_signer": s.signer != nil,
		"chain_witness":     s.witness != nil,
	}
	status := "ok"
	if !dbOK {
		status = "degraded"
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, map[string]any{"status": status, "checks": checks})
}
