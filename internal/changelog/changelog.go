// Package changelog is the append-only event store used for historical queries
// and for the Query Engine's ":updates"/":deletes" routing adapter (§4.D).
package changelog

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/avaast/appview/internal/watcher"
	"github.com/avaast/appview/pkg/atmodel"
)

// Entry is one append-only row. CreatedAt is filled in by gorm on insert.
type Entry struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Collection  string `gorm:"index:idx_collection_authority_created"`
	RecordKey   string
	AuthorityID string `gorm:"index:idx_collection_authority_created"`
	EventType   string
	BodyJSON    []byte
	CreatedAt   time.Time `gorm:"index:idx_collection_authority_created"`
}

func (Entry) TableName() string { return "changelog" }

// Filter selects rows for Query; zero values are "don't filter on this field".
type Filter struct {
	Collection     string
	AuthorityID    string
	EventType      string
	AfterTimestamp time.Time
	Limit          int
}

// Log is the gorm-backed append-only log.
type Log struct {
	db *gorm.DB
}

// Open connects to Postgres and ensures the changelog table/index exist.
func Open(dsn string) (*Log, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, atmodel.NewStorageError("open changelog database", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, atmodel.NewStorageError("migrate changelog schema", err)
	}
	return &Log{db: db}, nil
}

// Append writes evt as a new append-only row. Write-ahead-durable via Postgres.
func (l *Log) Append(ctx context.Context, evt watcher.Event) error {
	entry := Entry{
		Collection:  evt.Collection,
		RecordKey:   evt.RecordKey,
		AuthorityID: evt.AuthorityID,
		EventType:   string(evt.Op),
		BodyJSON:    evt.Body,
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return atmodel.NewStorageError("append changelog entry", err)
	}
	return nil
}

// Query returns rows matching f, ordered by createdAt DESC, capped at f.Limit
// (default 100 if unset).
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := l.db.WithContext(ctx).Model(&Entry{})
	if f.Collection != "" {
		q = q.Where("collection = ?", f.Collection)
	}
	if f.AuthorityID != "" {
		q = q.Where("authority_id = ?", f.AuthorityID)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if !f.AfterTimestamp.IsZero() {
		q = q.Where("created_at > ?", f.AfterTimestamp)
	}

	var entries []Entry
	if err := q.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, atmodel.NewStorageError("query changelog", err)
	}
	return entries, nil
}

// Prune deletes rows older than before, bounding the append-only log's growth.
// Supplemental beyond the base append-only contract — pruning is explicit, not
// an implicit retention policy, so it never runs unless a caller invokes it.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("created_at < ?", before).Delete(&Entry{})
	if res.Error != nil {
		return 0, atmodel.NewStorageError("prune changelog", res.Error)
	}
	return res.RowsAffected, nil
}
