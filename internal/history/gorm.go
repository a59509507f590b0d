package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("history: record not found")

// gormStore implements Store over any GORM dialect.
type gormStore struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

func newGormStore(db *gorm.DB, driver string, logger *slog.Logger) (*gormStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating executions table: %w", err)
	}
	return &gormStore{db: db, driver: driver, logger: logger}, nil
}

func (s *gormStore) Append(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("appending execution record: %w", err)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *gormStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	q := s.db.WithContext(ctx).Model(&Record{}).Order("created_at DESC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var recs []*Record
	if err := q.Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing execution records: %w", err)
	}
	return recs, nil
}

func (s *gormStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning execution records: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("execution history pruned",
			slog.Int64("deleted", res.RowsAffected),
			slog.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *gormStore) Driver() string { return s.driver }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

var _ Store = (*gormStore)(nil)
