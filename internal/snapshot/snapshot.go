// Package snapshot persists the feed to a local sqlite file for warm starts.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"learnora/internal/models"
)

// PostRecord is one persisted post. Position keeps store order.
type PostRecord struct {
	ID                string   `gorm:"primaryKey"`
	Position          int      `gorm:"index"`
	AuthorID          string   `gorm:"index"`
	AuthorDisplayName string
	Content           string
	PostedAt          time.Time
	ImageRefs         []string `gorm:"serializer:json"`
	VideoRef          string
	CommentCount      int
	ReactionCount     int
	LikedByMe         bool
	SavedAt           time.Time
}

// TableName pins the table name.
func (PostRecord) TableName() string {
	return "feed_snapshot_posts"
}

func toRecord(p models.Post, pos int, savedAt time.Time) PostRecord {
	return PostRecord{
		ID:                p.ID,
		Position:          pos,
		AuthorID:          p.AuthorID,
		AuthorDisplayName: p.AuthorDisplayName,
		Content:           p.Content,
		PostedAt:          p.CreatedAt,
		ImageRefs:         p.ImageRefs,
		VideoRef:          p.VideoRef,
		CommentCount:      p.CommentCount,
		ReactionCount:     p.Reactions.Count,
		LikedByMe:         p.Reactions.LikedByMe,
		SavedAt:           savedAt,
	}
}

func (r PostRecord) toPost() models.Post {
	return models.Post{
		ID:                r.ID,
		AuthorID:          r.AuthorID,
		AuthorDisplayName: r.AuthorDisplayName,
		Content:           r.Content,
		CreatedAt:         r.PostedAt.UTC(),
		ImageRefs:         r.ImageRefs,
		VideoRef:          r.VideoRef,
		CommentCount:      r.CommentCount,
		Reactions:         models.ReactionSummary{Count: r.ReactionCount, LikedByMe: r.LikedByMe},
	}
}

// Store reads and writes feed snapshots.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the snapshot database at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if err := db.AutoMigrate(&PostRecord{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot db: %w", err)
	}
	return &Store{db: db}, nil
}

// Save replaces the snapshot with posts. Temporary posts are skipped since their ids
// mean nothing after a restart.
func (s *Store) Save(ctx context.Context, posts []models.Post) error {
	now := time.Now().UTC()
	records := make([]PostRecord, 0, len(posts))
	for _, p := range posts {
		if p.IsTemporary() || p.ID == "" {
			continue
		}
		records = append(records, toRecord(p, len(records), now))
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&PostRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(&records, 100).Error
	})
}

// Load returns the snapshot in saved order.
func (s *Store) Load(ctx context.Context) ([]models.Post, error) {
	var records []PostRecord
	if err := s.db.WithContext(ctx).Order("position asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	posts := make([]models.Post, len(records))
	for i, r := range records {
		posts[i] = r.toPost()
	}
	return posts, nil
}

// SavedAt returns when the snapshot was last written; ok is false for an empty snapshot.
func (s *Store) SavedAt(ctx context.Context) (time.Time, bool, error) {
	var r PostRecord
	err := s.db.WithContext(ctx).Order("saved_at desc").First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return r.SavedAt, true, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
