package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/metrics"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// StoreWriteError is returned when a batch failed twice and was dropped
type StoreWriteError struct {
	Table string
	Rows  int
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("append %d rows to %s: %v", e.Rows, e.Table, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// DB wraps one GORM connection. Each concurrent writer (the snapshot loop and
// the stream sink) opens its own DB.
type DB struct {
	conn       *gorm.DB
	log        *logrus.Logger
	batchSize  int
	retryDelay time.Duration
}

// New opens the database configured by cfg
func New(cfg *config.Config, log *logrus.Logger) (*DB, error) {
	dialector, err := openDialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := Open(dialector, cfg, log)
	if err != nil {
		return nil, err
	}

	if cfg.DatabaseDriver == config.DriverSQLite {
		// One writer connection per handle; concurrent handles wait on busy_timeout.
		sqlDB, err := db.conn.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// Open wraps an arbitrary GORM dialector
func Open(dialector gorm.Dialector, cfg *config.Config, log *logrus.Logger) (*DB, error) {
	gormLogger := logger.New(
		&gormLogAdapter{log: log},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	if cfg.DatabaseMaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.DatabaseMaxConns)
		sqlDB.SetMaxIdleConns(max(cfg.DatabaseMaxConns/2, 1))
	}
	sqlDB.SetConnMaxIdleTime(cfg.DatabaseMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	batchSize := cfg.StoreBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	return &DB{
		conn:       conn,
		log:        log,
		batchSize:  batchSize,
		retryDelay: cfg.StoreRetryDelay,
	}, nil
}

func openDialector(cfg *config.Config) (gorm.Dialector, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		return sqlite.Open(SQLiteDSN(cfg.DatabasePath)), nil
	case config.DriverMySQL:
		return mysql.Open(cfg.DatabaseDSN), nil
	case config.DriverPostgres:
		return postgres.Open(cfg.DatabaseDSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// SQLiteDSN enables WAL and a busy timeout so two handles can append to the
// same file concurrently.
func SQLiteDSN(path string) string {
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate creates the snapshot tables and their indexes
func (db *DB) AutoMigrate() error {
	return db.conn.AutoMigrate(
		&MarketSnapshot{},
		&OutcomeSnapshot{},
		&OrderbookSnapshot{},
		&TradeSnapshot{},
		&ResolutionSnapshot{},
		&PriceChangeEvent{},
	)
}

// AppendMarketSnapshots appends binary market snapshots
func (db *DB) AppendMarketSnapshots(ctx context.Context, rows []MarketSnapshot) error {
	return appendBatch(ctx, db, TableMarketSnapshots, rows)
}

// AppendOutcomeSnapshots appends multi-outcome rows
func (db *DB) AppendOutcomeSnapshots(ctx context.Context, rows []OutcomeSnapshot) error {
	return appendBatch(ctx, db, TableOutcomeSnapshots, rows)
}

// AppendTrades appends stream trades
func (db *DB) AppendTrades(ctx context.Context, rows []TradeSnapshot) error {
	return appendBatch(ctx, db, TableTradeSnapshots, rows)
}

// AppendPriceChanges appends stream price change events
func (db *DB) AppendPriceChanges(ctx context.Context, rows []PriceChangeEvent) error {
	return appendBatch(ctx, db, TablePriceChangeEvents, rows)
}

// AppendOrderbookSnapshots appends book depth levels
func (db *DB) AppendOrderbookSnapshots(ctx context.Context, rows []OrderbookSnapshot) error {
	return appendBatch(ctx, db, TableOrderbookSnapshots, rows)
}

// AppendResolutionSnapshots appends resolution status rows
func (db *DB) AppendResolutionSnapshots(ctx context.Context, rows []ResolutionSnapshot) error {
	return appendBatch(ctx, db, TableResolutionSnapshots, rows)
}

// appendBatch inserts rows in one transaction. A failed transaction is rolled
// back in full and retried once; the second failure is a StoreWriteError.
func appendBatch[T any](ctx context.Context, db *DB, table string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	err := insertBatch(ctx, db, table, rows)
	if err == nil {
		return nil
	}

	db.log.WithError(err).WithFields(logrus.Fields{
		"table": table,
		"rows":  len(rows),
	}).Warn("Batch append failed, retrying once")

	if db.retryDelay > 0 {
		select {
		case <-ctx.Done():
			metrics.BatchesDropped.WithLabelValues(table).Inc()
			return &StoreWriteError{Table: table, Rows: len(rows), Err: errors.Join(err, ctx.Err())}
		case <-time.After(db.retryDelay):
		}
	}

	if err := insertBatch(ctx, db, table, rows); err != nil {
		metrics.BatchesDropped.WithLabelValues(table).Inc()
		return &StoreWriteError{Table: table, Rows: len(rows), Err: err}
	}
	return nil
}

func insertBatch[T any](ctx context.Context, db *DB, table string, rows []T) error {
	// Insert a copy so IDs assigned by a rolled back attempt are not reused.
	batch := slices.Clone(rows)

	start := time.Now()
	err := db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&batch, db.batchSize).Error
	})
	metrics.RecordDatabaseQuery("append_"+table, time.Since(start), err)

	if err == nil {
		metrics.RowsWritten.WithLabelValues(table).Add(float64(len(rows)))
	}
	return err
}

// SnapshotQuery selects market snapshots for read-back
type SnapshotQuery struct {
	MarketID string
	From     time.Time
	To       time.Time
	Limit    int
}

// QueryMarketSnapshots returns matching snapshots, newest first
func (db *DB) QueryMarketSnapshots(ctx context.Context, q SnapshotQuery) ([]MarketSnapshot, error) {
	start := time.Now()

	tx := db.conn.WithContext(ctx).Model(&MarketSnapshot{})
	if q.MarketID != "" {
		tx = tx.Where("market_id = ?", q.MarketID)
	}
	if !q.From.IsZero() {
		tx = tx.Where(clause.Gte{Column: clause.Column{Name: "timestamp"}, Value: q.From})
	}
	if !q.To.IsZero() {
		tx = tx.Where(clause.Lte{Column: clause.Column{Name: "timestamp"}, Value: q.To})
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	var rows []MarketSnapshot
	err := tx.Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).Limit(limit).Find(&rows).Error
	metrics.RecordDatabaseQuery("query_market_snapshots", time.Since(start), err)
	return rows, err
}

// CountRows returns the row count of the table backing model
func (db *DB) CountRows(ctx context.Context, model any) (int64, error) {
	var count int64
	err := db.conn.WithContext(ctx).Model(model).Count(&count).Error
	return count, err
}

// gormLogAdapter adapts logrus to GORM's logger interface
type gormLogAdapter struct {
	log *logrus.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
