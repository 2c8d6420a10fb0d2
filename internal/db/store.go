package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/soaringjerry/intake/internal/config"
	"github.com/soaringjerry/intake/internal/models"
	"github.com/soaringjerry/intake/internal/services"
)

// Store is the gorm-backed submission store.
type Store struct {
	txStore
	sqlDB   *sql.DB
	dialect string
}

var _ services.SubmissionStore = (*Store)(nil)

type gormWriter struct{ s *zap.SugaredLogger }

func (w gormWriter) Printf(format string, args ...interface{}) { w.s.Warnf(format, args...) }

// Open connects to the configured database. SQLite databases get the same
// pragmas the service always ran with.
func Open(dialect, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(gormWriter{log.Named("gorm").Sugar()}, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		gdb *gorm.DB
		err error
	)
	switch dialect {
	case config.DialectPostgres:
		gdb, err = gorm.Open(postgres.Open(dsn), gcfg)
	case config.DialectSQLite, "":
		dialect = config.DialectSQLite
		var sqlDB *sql.DB
		if sqlDB, err = openSQLite(dsn); err != nil {
			return nil, err
		}
		gdb, err = gorm.Open(sqlite.New(sqlite.Config{Conn: sqlDB}), gcfg)
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	return &Store{txStore: txStore{db: gdb}, sqlDB: sqlDB, dialect: dialect}, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		// Every connection to a plain in-memory DSN is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, stmt := range pragmas {
		if _, err := sqlDB.Exec(stmt); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return sqlDB, nil
}

func (s *Store) Dialect() string { return s.dialect }

// Migrate applies the dialect's schema.
func (s *Store) Migrate(dir string) error {
	return RunMigrations(s.sqlDB, s.dialect, dir)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Transaction runs fn in a database transaction; any error rolls back every write.
func (s *Store) Transaction(ctx context.Context, fn func(tx services.SubmissionTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(txStore{db: tx})
	})
}

func (s *Store) ListStalledSurveys(ctx context.Context, cutoff time.Time) ([]*models.Submission, error) {
	var out []*models.Submission
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_active <= ?", models.StatusStarted, cutoff.UTC()).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *Store) ListPendingStepB(ctx context.Context) ([]*models.Submission, error) {
	var out []*models.Submission
	err := s.db.WithContext(ctx).Where("step_b_completed = ?", false).Order("id").Find(&out).Error
	return out, err
}

func (s *Store) ListHistory(ctx context.Context, submissionID uint) ([]*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	err := s.db.WithContext(ctx).Where("submission_id = ?", submissionID).Order("id").Find(&out).Error
	return out, err
}

// Counts returns the number of submissions and history entries.
func (s *Store) Counts(ctx context.Context) (submissions, history int64, err error) {
	if err = s.db.WithContext(ctx).Model(&models.Submission{}).Count(&submissions).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&models.HistoryEntry{}).Count(&history).Error
	return submissions, history, err
}

// txStore implements the in-transaction operations over any *gorm.DB.
type txStore struct {
	db *gorm.DB
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isDuplicate(err) {
		return fmt.Errorf("%w: %v", services.ErrDuplicate, err)
	}
	return err
}

func (t txStore) find(ctx context.Context, query string, args ...any) ([]*models.Submission, error) {
	var out []*models.Submission
	err := t.db.WithContext(ctx).Where(query, args...).Order("id").Find(&out).Error
	return out, err
}

func (t txStore) first(ctx context.Context, query string, args ...any) (*models.Submission, error) {
	var out []*models.Submission
	if err := t.db.WithContext(ctx).Where(query, args...).Order("id").Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (t txStore) FindByPhone(ctx context.Context, phone string) ([]*models.Submission, error) {
	return t.find(ctx, "mobile = ? OR phone = ?", phone, phone)
}

func (t txStore) FindByEmail(ctx context.Context, email string) ([]*models.Submission, error) {
	return t.find(ctx, "email = ?", email)
}

func (t txStore) FindStartedByPhone(ctx context.Context, phone string) (*models.Submission, error) {
	return t.first(ctx, "status = ? AND (mobile = ? OR phone = ?)", models.StatusStarted, phone, phone)
}

func (t txStore) GetByEmail(ctx context.Context, email string) (*models.Submission, error) {
	return t.first(ctx, "email = ?", email)
}

func (t txStore) GetByID(ctx context.Context, id uint) (*models.Submission, error) {
	return t.first(ctx, "id = ?", id)
}

func (t txStore) CreateSubmission(ctx context.Context, s *models.Submission) error {
	return mapWriteErr(t.db.WithContext(ctx).Create(s).Error)
}

// UpdateSubmission writes only the named columns plus updated_at.
func (t txStore) UpdateSubmission(ctx context.Context, s *models.Submission, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	s.UpdatedAt = time.Now().UTC()
	cols := append(append([]string{}, columns...), "updated_at")
	res := t.db.WithContext(ctx).Model(s).Select(cols).Updates(s)
	if res.Error != nil {
		return mapWriteErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("submission %d not found", s.ID)
	}
	return nil
}

var counterColumns = map[string]bool{
	models.ColStepBNudgeCount:  true,
	models.ColSurveyNudgeCount: true,
}

// SwapCounter is a compare-and-set on one counter column, so concurrent
// reminder passes cannot both claim the same slot.
func (t txStore) SwapCounter(ctx context.Context, id uint, column string, prev, next int) (bool, error) {
	if !counterColumns[column] {
		return false, fmt.Errorf("%q is not a counter column", column)
	}
	res := t.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND "+column+" = ?", id, prev).
		Updates(map[string]any{column: next, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t txStore) AppendHistory(ctx context.Context, e *models.HistoryEntry) error {
	if len(e.Data) == 0 {
		e.Data = []byte("{}")
	}
	return mapWriteErr(t.db.WithContext(ctx).Create(e).Error)
}

func (t txStore) FindIdempotent(ctx context.Context, key string) (*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	if err := t.db.WithContext(ctx).Where("idempotency_key = ?", key).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}
