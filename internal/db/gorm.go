package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wuwenbin0122/oraltrainer/internal/conversation"
	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

// NewGORM opens a gorm.DB connection backed by the configured Postgres instance.
func NewGORM(url string) (*gorm.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres connection url is empty")
	}

	gormDB, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm connection: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(15)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return gormDB, nil
}

// ConversationRecord maps the conversations table for listing queries.
type ConversationRecord struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index;not null"`
	Title     string `gorm:"not null"`
	History   string `gorm:"not null;default:''"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ConversationRecord) TableName() string {
	return "conversations"
}

// Catalog serves paginated conversation listings.
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// List returns one page of the owner's conversations, newest first, optionally
// filtered by a case-insensitive title search. Turn logs are not loaded.
func (c *Catalog) List(ctx context.Context, ownerID string, q conversation.ListQuery) (*conversation.Page, error) {
	q = q.Normalize()

	query := c.db.WithContext(ctx).Model(&ConversationRecord{}).Where("user_id = ?", ownerID)

	if q.Search != "" {
		like := "%" + escapeLike(strings.ToLower(q.Search)) + "%"
		query = query.Where("LOWER(title) LIKE ? ESCAPE '\\'", like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	records := make([]ConversationRecord, 0, q.PageSize)
	err := query.
		Select("id", "user_id", "title", "created_at", "updated_at").
		Order("created_at DESC").
		Order("id ASC").
		Limit(q.PageSize).
		Offset(q.Offset()).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	data := make([]models.Conversation, 0, len(records))
	for _, record := range records {
		data = append(data, models.Conversation{
			ID:        record.ID,
			UserID:    record.UserID,
			Title:     record.Title,
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		})
	}

	return &conversation.Page{
		Data:     data,
		Page:     q.Page,
		PageSize: q.PageSize,
		Total:    total,
	}, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
