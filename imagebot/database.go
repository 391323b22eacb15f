package imagebot

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	defaultGenerationListLimit = 25
	maxGenerationListLimit     = 200
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with creation, update and
// deletion timestamps. CreatedAt and UpdatedAt are unix milliseconds.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// GenerationQuery filters ListGenerations
type GenerationQuery struct {
	Limit       int             `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset      int             `form:"offset" binding:"omitempty,min=0"`
	State       GenerationState `form:"state" binding:"omitempty,oneof=in_progress succeeded exhausted failed"`
	RequesterID string          `form:"requester_id"`
}

// DBI defines the database operations used by the bot, so they can be
// swapped out in tests. [database] is the real implementation.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	GetGeneration(ctx context.Context, id uint) (*GenerationRecord, error)
	ListGenerations(ctx context.Context, q GenerationQuery) ([]GenerationRecord, error)
	CountGenerations(ctx context.Context, q GenerationQuery) (int64, error)
}

// database wraps a gorm connection. Unless concurrent writes are
// enabled (postgres), writes are serialized with mu, since sqlite
// only allows one writer.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI for the given connection. If log is nil,
// the default logger is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

// GetGeneration returns the record with the given ID, or an error
// wrapping gorm.ErrRecordNotFound.
func (d *database) GetGeneration(ctx context.Context, id uint) (
	*GenerationRecord,
	error,
) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var rec GenerationRecord
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListGenerations returns records newest-first.
func (d *database) ListGenerations(ctx context.Context, q GenerationQuery) (
	[]GenerationRecord,
	error,
) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultGenerationListLimit
	case limit > maxGenerationListLimit:
		limit = maxGenerationListLimit
	}

	tx := generationFilter(d.db.WithContext(ctx), q)

	records := []GenerationRecord{}
	err := tx.Order("id desc").Limit(limit).Offset(max(q.Offset, 0)).Find(&records).Error
	return records, err
}

// CountGenerations counts the records matching q's filters. Limit and
// Offset are ignored.
func (d *database) CountGenerations(
	ctx context.Context,
	q GenerationQuery,
) (int64, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var count int64
	err := generationFilter(d.db.WithContext(ctx), q).Count(&count).Error
	return count, err
}

// generationFilter applies q's state and requester filters
func generationFilter(tx *gorm.DB, q GenerationQuery) *gorm.DB {
	tx = tx.Model(&GenerationRecord{})
	if q.State != "" {
		tx = tx.Where(columnGenerationState+" = ?", q.State)
	}
	if q.RequesterID != "" {
		tx = tx.Where(columnGenerationRequesterID+" = ?", q.RequesterID)
	}
	return tx
}

// withDBTimeout applies dbOperationTimeout if ctx has no deadline
func withDBTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// Duration wraps time.Duration so gorm stores it as a string
// like "15s".
type Duration struct {
	time.Duration
}

// Scan implements the sql.Scanner interface.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unexpected type for Duration: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Duration) parse(value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) < 2 {
		return fmt.Errorf("invalid duration: %s", s)
	}
	return d.parse(s[1 : len(s)-1])
}

// MarshalJSON implements the json.Marshaler interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`%q`, d.String())), nil
}

// GormDataType is used by gorm to determine the column type
func (Duration) GormDataType() string {
	return "string"
}

// CreateDB opens the database and migrates the schema. Used by the
// `init` command, outside of a running bot.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// migrateDB runs AutoMigrate for all models in a transaction
func migrateDB(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(&GenerationRecord{})
		},
	)
}

// getDB opens a gorm connection.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: logger for database operations
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureSQLite limits the pool to a single connection and applies
// sqliteExecPragma
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}
