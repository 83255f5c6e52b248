package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/vctt94/bisonbotkit/logging"
	"golang.org/x/sync/errgroup"

	"github.com/mikky00B/Chess-Arena/arena"
	"github.com/mikky00B/Chess-Arena/chainwitness"
	"github.com/mikky00B/Chess-Arena/server/serverdb"
	"github.com/mikky00B/Chess-Arena/session"
	"github.com/mikky00B/Chess-Arena/settlement"
)

const (
	name    = "arena"
	version = "v0.1.0"
)

// Server wires the arena, session hub, settlement signer, chain
// witness and persistence together behind one HTTP surface.
type Server struct {
	cfg Config
	log slog.Logger

	db       serverdb.ServerDB
	manager  *arena.Manager
	hub      *session.Hub
	auth     *tokenAuth
	signer   *settlement.Signer
	witness  *chainwitness.Witness
	validate *validator.Validate

	minStake   decimal.Decimal
	httpServer *http.Server
}

// NewServer builds a server from cfg. The settlement signer and chain
// witness are optional: without a judge key the server runs matches
// but refuses signature requests, and without an RPC URL deposit and
// payout reports go unverified.
func NewServer(cfg Config, lb *logging.LogBackend) (*Server, error) {
	if lb == nil {
		return nil, fmt.Errorf("log backend is nil")
	}
	log := lb.Logger("SRV")

	db, err := serverdb.NewSqliteDB(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	minStake, err := decimal.NewFromString(cfg.MinStake)
	if err != nil {
		return nil, fmt.Errorf("bad min stake %q: %w", cfg.MinStake, err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		db:       db,
		validate: validator.New(),
		minStake: minStake,
	}

	s.manager = arena.NewManager(arena.NewChessOracle(), lb.Logger("ARENA"))
	s.manager.OnFinished = s.handleMatchFinished
	s.auth = newTokenAuth(db)
	s.hub = session.NewHub(s.manager, s.auth, lb.Logger("HUB"))

	contract := common.HexToAddress(cfg.EscrowContract)
	if cfg.JudgeKey != "" {
		signer, err := settlement.NewSigner(cfg.JudgeKey, contract, lb.Logger("SETTLE"))
		if err != nil {
			return nil, fmt.Errorf("settlement signer: %w", err)
		}
		s.signer = signer
		log.Infof("Settlement signer ready, judge address %s", signer.JudgeAddress().Hex())
	} else {
		log.Warnf("No judge key configured; settlement signatures unavailable")
	}

	if cfg.EthRPCURL != "" {
		client, err := ethclient.Dial(cfg.EthRPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial eth rpc: %w", err)
		}
		s.witness = chainwitness.NewWitness(client, contract, lb.Logger("WITNESS"))
		log.Infof("Chain witness connected to %s", cfg.EthRPCURL)
	} else if cfg.RequireDeposits {
		return nil, fmt.Errorf("deposits required but no eth rpc url configured")
	}

	if err := s.restoreMatches(context.Background()); err != nil {
		return nil, fmt.Errorf("restore matches: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router(),
	}
	return s, nil
}

// restoreMatches reloads active matches from the database so a restart
// does not strand in-flight games.
func (s *Server) restoreMatches(ctx context.Context) error {
	recs, err := s.db.FetchActiveMatches(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		m, err := s.loadMatch(ctx, rec)
		if err != nil {
			s.log.Errorf("Skipping unrestorable match %d: %v", rec.ID, err)
			continue
		}
		s.manager.Restore(m)
	}
	if len(recs) > 0 {
		s.log.Infof("Restored %d active matches", len(recs))
	}
	return nil
}

// handleMatchFinished runs once per match when the outcome becomes
// terminal: persist the final state, update ratings, and warm the
// settlement signature off the hot path.
func (s *Server) handleMatchFinished(snap arena.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.persistMatch(ctx, snap); err != nil {
		s.log.Errorf("Persist finished match %d: %v", snap.ID, err)
	}
	s.updateRatings(ctx, snap)

	if s.signer != nil {
		go func() {
			auth, err := s.signer.Authorize(snap)
			if err != nil {
				if !errors.Is(err, settlement.ErrWinnerAddressMissing) {
					s.log.Errorf("Pre-sign settlement for match %d: %v", snap.ID, err)
				}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.db.SaveSettlement(ctx, settlementRecord(auth)); err != nil {
				s.log.Errorf("Store settlement for match %d: %v", snap.ID, err)
			}
		}()
	}

	s.log.Infof("Match %d finished: %s (winner=%s)", snap.ID, snap.Outcome, snap.WinnerID)
}

func (s *Server) updateRatings(ctx context.Context, snap arena.Snapshot) {
	if !snap.HasBlack {
		return
	}
	white, err := s.db.FetchProfile(ctx, snap.White.ID)
	if err != nil {
		return
	}
	black, err := s.db.FetchProfile(ctx, snap.Black.ID)
	if err != nil {
		return
	}

	var whiteScore float64
	switch {
	case !snap.Outcome.Decisive():
		whiteScore = 0.5
		white.Draws++
		black.Draws++
	case snap.WinnerID == white.ID:
		whiteScore = 1
		white.Wins++
		black.Losses++
	default:
		whiteScore = 0
		white.Losses++
		black.Wins++
	}
	white.Rating, black.Rating = eloUpdate(white.Rating, black.Rating, whiteScore)

	if err := s.db.UpsertProfile(ctx, white); err != nil {
		s.log.Errorf("Update rating for %s: %v", white.ID, err)
	}
	if err := s.db.UpsertProfile(ctx, black); err != nil {
		s.log.Errorf("Update rating for %s: %v", black.ID, err)
	}
	s.log.Debugf("Match %d ratings: %s=%d %s=%d",
		snap.ID, white.Nick, white.Rating, black.Nick, black.Rating)
}

func recordFromSnapshot(snap arena.Snapshot) *serverdb.MatchRecord {
	return &serverdb.MatchRecord{
		ID:             snap.ID,
		FEN:            snap.FEN,
		WhiteID:        snap.White.ID,
		WhiteNick:      snap.White.Nick,
		WhiteAddress:   snap.White.Address,
		BlackID:        snap.Black.ID,
		BlackNick:      snap.Black.Nick,
		BlackAddress:   snap.Black.Address,
		WhiteClockMs:   snap.WhiteClock.Milliseconds(),
		BlackClockMs:   snap.BlackClock.Milliseconds(),
		LastTransition: snap.LastTransition,
		Stake:          snap.Stake.String(),
		Active:         snap.Outcome == arena.OutcomeNone,
		Outcome:        string(snap.Outcome),
		WinnerID:       snap.WinnerID,
		PayoutClaimed:  snap.PayoutClaimed,
	}
}

func matchFromRecord(rec *serverdb.MatchRecord) (*arena.Match, error) {
	stake, err := decimal.NewFromString(rec.Stake)
	if err != nil {
		return nil, fmt.Errorf("bad stake %q: %w", rec.Stake, err)
	}
	m := &arena.Match{
		ID:             rec.ID,
		FEN:            rec.FEN,
		WhiteClock:     time.Duration(rec.WhiteClockMs) * time.Millisecond,
		BlackClock:     time.Duration(rec.BlackClockMs) * time.Millisecond,
		LastTransition: rec.LastTransition,
		Stake:          stake,
		Outcome:        arena.Outcome(rec.Outcome),
		WinnerID:       rec.WinnerID,
		PayoutClaimed:  rec.PayoutClaimed,
	}
	if rec.WhiteID != "" {
		m.White = &arena.Participant{ID: rec.WhiteID, Nick: rec.WhiteNick, Address: rec.WhiteAddress}
	}
	if rec.BlackID != "" {
		m.Black = &arena.Participant{ID: rec.BlackID, Nick: rec.BlackNick, Address: rec.BlackAddress}
	}
	return m, nil
}

func moveRecordsFromRows(rows []serverdb.MoveRow) []arena.MoveRecord {
	records := make([]arena.MoveRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, arena.MoveRecord{
			Seq:       row.Seq,
			Token:     row.Token,
			ThinkTime: time.Duration(row.ThinkTimeMs) * time.Millisecond,
			At:        row.PlayedAt,
		})
	}
	return records
}

// loadMatch rebuilds a match, moves included, from its persisted form.
func (s *Server) loadMatch(ctx context.Context, rec *serverdb.MatchRecord) (*arena.Match, error) {
	m, err := matchFromRecord(rec)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.FetchMoves(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	m.Moves = moveRecordsFromRows(rows)
	return m, nil
}

// snapshotFor returns the live snapshot, or rebuilds one from the
// database for matches already evicted from memory.
func (s *Server) snapshotFor(ctx context.Context, id uint64) (arena.Snapshot, error) {
	if m := s.manager.GetMatch(id); m != nil {
		return m.Snapshot(), nil
	}
	rec, err := s.db.FetchMatch(ctx, id)
	if err != nil {
		return arena.Snapshot{}, err
	}
	m, err := s.loadMatch(ctx, rec)
	if err != nil {
		return arena.Snapshot{}, err
	}
	return m.Snapshot(), nil
}

// matchMoves returns the recorded moves, from memory for live matches
// and from the database after eviction.
func (s *Server) matchMoves(ctx context.Context, id uint64) ([]arena.MoveRecord, error) {
	if m := s.manager.GetMatch(id); m != nil {
		return m.MoveRecords(), nil
	}
	if _, err := s.db.FetchMatch(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.FetchMoves(ctx, id)
	if err != nil {
		return nil, err
	}
	return moveRecordsFromRows(rows), nil
}

func settlementRecord(auth *settlement.Authorization) *serverdb.SettlementRecord {
	return &serverdb.SettlementRecord{
		MatchID: auth.MatchID,
		Draw:    auth.Draw,
		Winner:  auth.Winner.Hex(),
		Digest:  auth.Digest.Hex(),
		V:       auth.V,
		R:       auth.R.Hex(),
		S:       auth.S.Hex(),
	}
}

func authorizationFromRecord(rec *serverdb.SettlementRecord) *settlement.Authorization {
	return &settlement.Authorization{
		MatchID: rec.MatchID,
		Draw:    rec.Draw,
		Winner:  common.HexToAddress(rec.Winner),
		Digest:  common.HexToHash(rec.Digest),
		V:       rec.V,
		R:       common.HexToHash(rec.R),
		S:       common.HexToHash(rec.S),
	}
}

// persistMatch writes a snapshot and, for live matches in the manager,
// the move list.
func (s *Server) persistMatch(ctx context.Context, snap arena.Snapshot) error {
	if err := s.db.SaveMatch(ctx, recordFromSnapshot(snap)); err != nil {
		return err
	}
	m := s.manager.GetMatch(snap.ID)
	if m == nil {
		return nil
	}
	records := m.MoveRecords()
	rows := make([]serverdb.MoveRow, 0, len(records))
	for _, mr := range records {
		rows = append(rows, serverdb.MoveRow{
			Seq:         mr.Seq,
			Token:       mr.Token,
			ThinkTimeMs: mr.ThinkTime.Milliseconds(),
			PlayedAt:    mr.At,
		})
	}
	return s.db.SaveMoves(ctx, snap.ID, rows)
}

// finishedRetention is how long a finished match stays in memory so
// late subscribers still get its final state over the socket. After
// that it is served from the database.
const finishedRetention = time.Hour

// sweep times out abandoned matches, checkpoints active ones, and
// evicts finished ones past retention.
func (s *Server) sweep(ctx context.Context) {
	now := time.Now()
	if n := s.hub.TimeoutScan(now); n > 0 {
		s.log.Debugf("Clock sweep expired %d matches", n)
	}
	for id, m := range s.manager.MatchesSnapshot() {
		snap := m.Snapshot()
		if snap.Outcome != arena.OutcomeNone {
			if now.Sub(snap.LastTransition) < finishedRetention {
				continue
			}
			if err := s.persistMatch(ctx, snap); err != nil {
				s.log.Errorf("Persist match %d before eviction: %v", id, err)
				continue
			}
			s.manager.RemoveMatch(id)
			s.hub.DropRoom(id)
			s.log.Debugf("Evicted finished match %d", id)
			continue
		}
		if err := s.persistMatch(ctx, snap); err != nil {
			s.log.Errorf("Checkpoint match %d: %v", snap.ID, err)
		}
	}
}

// Run serves until ctx is canceled, then shuts down in order: sweeper,
// HTTP, hub, database last.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Infof("%s %s listening on %s", name, version, s.cfg.Addr)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.sweep(gctx)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("HTTP shutdown: %v", err)
		}
		s.hub.Shutdown()
		return nil
	})

	err := g.Wait()
	if cerr := s.db.Close(); cerr != nil {
		s.log.Errorf("Close database: %v", cerr)
	}
	s.log.Infof("Server stopped")
	return err
}
