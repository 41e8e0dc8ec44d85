// Package sqlbroker provides a broker.Broker that uses sqlite or postgres
// (through gorm) as a backing storage.
//
// Every entity stream lives in a single events table. A unique
// (entity_type, entity_id, seq_no) index backs the conditional append and the
// autoincrement position column provides the store-wide order.
package sqlbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/aneshas/eventsourced/broker"
)

var _ broker.Broker = (*Broker)(nil)

// appendLockKey is the postgres advisory lock taken by every append so that
// positions become visible in the order they were assigned
const appendLockKey int64 = 0x65767473

// Cfg represents sql broker configuration
type Cfg struct {
	PostgresDSN  string
	SQLitePath   string
	TablePrefix  string
	PollInterval time.Duration
	Logger       *slog.Logger

	noAppendLock bool
}

// Option represents sql broker configuration option
type Option func(Cfg) Cfg

// WithPostgresDB configures the broker to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB configures the broker to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithTablePrefix prefixes all table names, eg. "evts" results in evts_events
func WithTablePrefix(prefix string) Option {
	return func(cfg Cfg) Cfg {
		cfg.TablePrefix = prefix

		return cfg
	}
}

// WithPollInterval sets how often Wait checks the database for records
// appended by other processes
func WithPollInterval(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.PollInterval = d

		return cfg
	}
}

// WithLogger sets the logger gorm messages are forwarded to
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// WithoutAppendLock disables the postgres advisory append lock. Appends of
// different entities then run in parallel, but positions may become visible
// out of order and the broker only declares per-subject ordering.
func WithoutAppendLock() Option {
	return func(cfg Cfg) Cfg {
		cfg.noAppendLock = true

		return cfg
	}
}

// New constructs a new sql broker and migrates its tables
func New(opts ...Option) (*Broker, error) {
	cfg := Cfg{
		PollInterval: 100 * time.Millisecond,
		Logger:       slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("either postgres dsn or sqlite path must be provided")
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}

	var dial gorm.Dialector

	isPostgres := cfg.PostgresDSN != ""

	if isPostgres {
		dial = postgres.Open(cfg.PostgresDSN)
	} else {
		dial = sqlite.Open(cfg.SQLitePath)
	}

	var naming schema.NamingStrategy

	if cfg.TablePrefix != "" {
		naming.TablePrefix = cfg.TablePrefix + "_"
	}

	db, err := gorm.Open(dial, &gorm.Config{
		NamingStrategy: naming,
		TranslateError: true,
		Logger: gormlogger.New(
			slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             500 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	})
	if err != nil {
		return nil, err
	}

	if !isPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}

		// sqlite has a single writer anyway; one connection avoids
		// "database is locked" errors and serializes appends
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&event{}, &kvEntry{}); err != nil {
		return nil, err
	}

	return &Broker{
		db:         db,
		cfg:        cfg,
		appendLock: isPostgres && !cfg.noAppendLock,
		ordering:   ordering(isPostgres, cfg.noAppendLock),
		appended:   make(chan struct{}),
	}, nil
}

func ordering(isPostgres, noAppendLock bool) broker.Ordering {
	if isPostgres && noAppendLock {
		return broker.OrderPerSubject
	}

	return broker.OrderTotal
}

// Broker is a gorm backed broker.Broker
type Broker struct {
	db         *gorm.DB
	cfg        Cfg
	appendLock bool
	ordering   broker.Ordering

	mu       sync.Mutex
	appended chan struct{}
}

type event struct {
	Position   uint64 `gorm:"autoIncrement;primaryKey"`
	EventID    string `gorm:"unique"`
	EntityType string `gorm:"index:idx_optimistic_check,unique;index"`
	EntityID   string `gorm:"index:idx_optimistic_check,unique"`
	SeqNo      uint64 `gorm:"index:idx_optimistic_check,unique"`
	EventType  string
	Payload    []byte
	Meta       *string
	OccurredOn time.Time
}

type kvEntry struct {
	Bucket    string `gorm:"primaryKey"`
	EntryKey  string `gorm:"primaryKey"`
	Value     []byte
	UpdatedAt time.Time
}

// Ordering implements broker.Broker
func (b *Broker) Ordering() broker.Ordering { return b.ordering }

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (b *Broker) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// Append implements broker.Streams
func (b *Broker) Append(ctx context.Context, subj broker.Subject, expected uint64, recs []broker.Record) ([]broker.Record, error) {
	rows := make([]event, len(recs))

	for i, rec := range recs {
		row := event{
			EventID:    rec.EventID,
			EntityType: subj.Type,
			EntityID:   subj.ID,
			SeqNo:      expected + uint64(i) + 1,
			EventType:  rec.EventType,
			Payload:    rec.Payload,
			OccurredOn: rec.OccurredOn,
		}

		if rec.Meta != nil {
			m, err := json.Marshal(rec.Meta)
			if err != nil {
				return nil, err
			}

			ms := string(m)

			row.Meta = &ms
		}

		rows[i] = row
	}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if b.appendLock {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", appendLockKey).Error; err != nil {
				return err
			}
		}

		last, err := lastSeq(tx, subj)
		if err != nil {
			return err
		}

		if last != expected {
			return broker.ErrConflict
		}

		if len(rows) == 0 {
			return nil
		}

		return tx.Create(&rows).Error
	})

	if errors.Is(err, broker.ErrConflict) || isUniqueViolation(err) {
		return nil, broker.ErrConflict
	}

	if err != nil {
		return nil, fmt.Errorf("append %s: %w", subj, err)
	}

	if len(rows) > 0 {
		b.notify()
	}

	return decode(rows)
}

func (b *Broker) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()

	close(b.appended)
	b.appended = make(chan struct{})
}

func lastSeq(db *gorm.DB, subj broker.Subject) (uint64, error) {
	var last uint64

	err := db.
		Model(&event{}).
		Select("COALESCE(MAX(seq_no), 0)").
		Where("entity_type = ? AND entity_id = ?", subj.Type, subj.ID).
		Scan(&last).Error

	return last, err
}

// Read implements broker.Streams
func (b *Broker) Read(ctx context.Context, subj broker.Subject, afterSeq uint64, limit int) ([]broker.Record, error) {
	var rows []event

	q := b.db.
		WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND seq_no > ?", subj.Type, subj.ID, afterSeq).
		Order("seq_no asc")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read %s: %w", subj, err)
	}

	return decode(rows)
}

// ReadType implements broker.Streams
func (b *Broker) ReadType(ctx context.Context, entityType string, afterPos uint64, limit int) ([]broker.Record, error) {
	var rows []event

	q := b.db.
		WithContext(ctx).
		Where("entity_type = ? AND position > ?", entityType, afterPos).
		Order("position asc")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read type %s: %w", entityType, err)
	}

	return decode(rows)
}

// LastSeq implements broker.Streams
func (b *Broker) LastSeq(ctx context.Context, subj broker.Subject) (uint64, error) {
	last, err := lastSeq(b.db.WithContext(ctx), subj)
	if err != nil {
		return 0, fmt.Errorf("last seq %s: %w", subj, err)
	}

	return last, nil
}

// LastPosition implements broker.Streams
func (b *Broker) LastPosition(ctx context.Context, entityType string) (uint64, error) {
	var last uint64

	err := b.db.
		WithContext(ctx).
		Model(&event{}).
		Select("COALESCE(MAX(position), 0)").
		Where("entity_type = ?", entityType).
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("last position %s: %w", entityType, err)
	}

	return last, nil
}

// Wait implements broker.Streams. Appends made through this broker wake
// waiters immediately, appends made by other processes are picked up on the
// next poll interval.
func (b *Broker) Wait(ctx context.Context, entityType string, afterPos uint64) error {
	return b.poll(ctx, func() (uint64, error) {
		return b.LastPosition(ctx, entityType)
	}, afterPos)
}

// WaitSeq implements broker.Streams. It polls the subject's own tail, so a
// late commit of a lower position is still observed without the append lock.
func (b *Broker) WaitSeq(ctx context.Context, subj broker.Subject, afterSeq uint64) error {
	return b.poll(ctx, func() (uint64, error) {
		return b.LastSeq(ctx, subj)
	}, afterSeq)
}

// poll blocks until last reports a value greater than after
func (b *Broker) poll(ctx context.Context, last func() (uint64, error), after uint64) error {
	ticker := time.NewTicker(b.cfg.PollInterval)

	defer ticker.Stop()

	for {
		b.mu.Lock()
		appended := b.appended
		b.mu.Unlock()

		v, err := last()
		if err != nil {
			return err
		}

		if v > after {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-appended:
		case <-ticker.C:
		}
	}
}

// Put implements broker.KV
func (b *Broker) Put(ctx context.Context, bucket, key string, value []byte) error {
	entry := kvEntry{
		Bucket:    bucket,
		EntryKey:  key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}

	err := b.db.
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}

	return nil
}

// Get implements broker.KV
func (b *Broker) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var entry kvEntry

	err := b.db.
		WithContext(ctx).
		Where("bucket = ? AND entry_key = ?", bucket, key).
		First(&entry).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, broker.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}

	return entry.Value, nil
}

func decode(rows []event) ([]broker.Record, error) {
	out := make([]broker.Record, len(rows))

	for i, row := range rows {
		var meta map[string]string

		if row.Meta != nil {
			if err := json.Unmarshal([]byte(*row.Meta), &meta); err != nil {
				return nil, fmt.Errorf("decode meta of event %s: %w", row.EventID, err)
			}
		}

		out[i] = broker.Record{
			Subject:    broker.Subject{Type: row.EntityType, ID: row.EntityID},
			SeqNo:      row.SeqNo,
			Position:   row.Position,
			EventID:    row.EventID,
			EventType:  row.EventType,
			Payload:    row.Payload,
			Meta:       meta,
			OccurredOn: row.OccurredOn,
		}
	}

	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error

	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}

	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
