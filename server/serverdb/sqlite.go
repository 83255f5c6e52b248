package serverdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SqliteDB implements ServerDB on sqlite via gorm. An empty dataDir
// opens an in-memory database, which is what the tests use.
type SqliteDB struct {
	db *gorm.DB

	// lastID is seeded from the highest persisted match id at open so
	// allocation is a single atomic increment.
	lastID atomic.Uint64
}

var _ ServerDB = (*SqliteDB)(nil)

// memSeq keeps in-memory databases distinct from each other.
var memSeq atomic.Uint64

func NewSqliteDB(dataDir string) (*SqliteDB, error) {
	var dsn string
	if dataDir == "" {
		dsn = fmt.Sprintf("file:arenamem%d?mode=memory&cache=shared", memSeq.Add(1))
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)",
			filepath.Join(dataDir, "arena.sqlite"))
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&MatchRecord{},
		&MoveRow{},
		&ProfileRecord{},
		&SettlementRecord{},
		&SessionTokenRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &SqliteDB{db: db}
	var maxID uint64
	if err := db.Model(&MatchRecord{}).
		Select("COALESCE(MAX(id), 0)").Scan(&maxID).Error; err != nil {
		return nil, fmt.Errorf("seed match id: %w", err)
	}
	s.lastID.Store(maxID)
	return s, nil
}

func checkInvariants(rec *MatchRecord) error {
	if rec.Active != (rec.Outcome == "") {
		return fmt.Errorf("%w: active=%v with outcome %q",
			ErrInvariantViolation, rec.Active, rec.Outcome)
	}
	if rec.WhiteClockMs < 0 || rec.BlackClockMs < 0 {
		return fmt.Errorf("%w: negative clock", ErrInvariantViolation)
	}
	return nil
}

func (s *SqliteDB) SaveMatch(ctx context.Context, rec *MatchRecord) error {
	if err := checkInvariants(rec); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
}

func (s *SqliteDB) FetchMatch(ctx context.Context, id uint64) (*MatchRecord, error) {
	var rec MatchRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SqliteDB) FetchActiveMatches(ctx context.Context) ([]*MatchRecord, error) {
	var recs []*MatchRecord
	err := s.db.WithContext(ctx).Where("active = ?", true).Find(&recs).Error
	return recs, err
}

// NextMatchID allocates match ids above anything persisted, so ids
// stay unique across restarts and across concurrent creates.
func (s *SqliteDB) NextMatchID(ctx context.Context) (uint64, error) {
	return s.lastID.Add(1), nil
}

func (s *SqliteDB) SaveMoves(ctx context.Context, matchID uint64, moves []MoveRow) error {
	if len(moves) == 0 {
		return nil
	}
	for i := range moves {
		moves[i].MatchID = matchID
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&moves).Error
}

func (s *SqliteDB) FetchMoves(ctx context.Context, matchID uint64) ([]MoveRow, error) {
	var rows []MoveRow
	err := s.db.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("seq asc").
		Find(&rows).Error
	return rows, err
}

func (s *SqliteDB) UpsertProfile(ctx context.Context, rec *ProfileRecord) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
}

func (s *SqliteDB) FetchProfile(ctx context.Context, id string) (*ProfileRecord, error) {
	var rec ProfileRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SqliteDB) Leaderboard(ctx context.Context, limit int) ([]*ProfileRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*ProfileRecord
	err := s.db.WithContext(ctx).
		Order("rating desc").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (s *SqliteDB) SaveSettlement(ctx context.Context, rec *SettlementRecord) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
}

func (s *SqliteDB) FetchSettlement(ctx context.Context, matchID uint64) (*SettlementRecord, error) {
	var rec SettlementRecord
	err := s.db.WithContext(ctx).First(&rec, "match_id = ?", matchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SqliteDB) SaveSessionToken(ctx context.Context, rec *SessionTokenRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *SqliteDB) FetchSessionToken(ctx context.Context, token string) (*SessionTokenRecord, error) {
	var rec SessionTokenRecord
	err := s.db.WithContext(ctx).First(&rec, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SqliteDB) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SqliteDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
