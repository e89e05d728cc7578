// Package conversation defines the conversation store contract shared by the
// turn pipeline, the HTTP layer and the database-backed implementations.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

var (
	ErrNotFound      = errors.New("conversation: not found")
	ErrInvalidTurns  = errors.New("conversation: invalid turns")
	ErrTitleRequired = errors.New("conversation: title is required")
)

const (
	DefaultPageSize = 12
	MaxPageSize     = 50
	MaxTitleLength  = 100
)

// Store persists conversations and their append-only turn logs.
//
// Load must return ErrNotFound both for unknown ids and for conversations owned
// by someone else. AppendTurns appends to the currently persisted log and is
// atomic: either every turn is stored or none is. Implementations serialise
// AppendTurns per conversation id.
type Store interface {
	Create(ctx context.Context, ownerID, title string) (*models.Conversation, error)
	Load(ctx context.Context, id, ownerID string) (*models.Conversation, error)
	List(ctx context.Context, ownerID string, query ListQuery) (*Page, error)
	AppendTurns(ctx context.Context, id string, turns []models.Turn) (*models.Conversation, error)
}

// ListQuery filters and paginates a user's conversations.
type ListQuery struct {
	Search   string
	Page     int
	PageSize int
}

// Normalize clamps paging values into their allowed ranges.
func (q ListQuery) Normalize() ListQuery {
	q.Search = strings.TrimSpace(q.Search)
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// Offset is the number of rows skipped before the requested page.
func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// Page is one page of conversation summaries. Summaries carry no turns.
type Page struct {
	Data     []models.Conversation
	Page     int
	PageSize int
	Total    int64
}

// NormalizeTitle trims the title and enforces the length limit.
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrTitleRequired
	}
	if runes := []rune(title); len(runes) > MaxTitleLength {
		title = string(runes[:MaxTitleLength])
	}
	return title, nil
}

// ValidateTurns checks a batch passed to AppendTurns.
func ValidateTurns(turns []models.Turn) error {
	if len(turns) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidTurns)
	}
	for i, turn := range turns {
		if !models.ValidRole(turn.Role) {
			return fmt.Errorf("%w: role %q at index %d", ErrInvalidTurns, turn.Role, i)
		}
	}
	return nil
}
