package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*models.Conversation
	locks *KeyedMutex
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*models.Conversation),
		locks: NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, ownerID, title string) (*models.Conversation, error) {
	_ = ctx

	title, err := NormalizeTitle(title)
	if err != nil {
		return nil, err
	}

	now := s.now()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    ownerID,
		Title:     title,
		Turns:     models.TurnLog{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.byID[conv.ID] = conv
	s.mu.Unlock()

	return copyConversation(conv), nil
}

// Seed stores conv as-is. Intended for tests that need a pre-populated history.
func (s *MemoryStore) Seed(conv models.Conversation) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
		conv.UpdatedAt = conv.CreatedAt
	}

	s.mu.Lock()
	s.byID[conv.ID] = copyConversation(&conv)
	s.mu.Unlock()
}

func (s *MemoryStore) Load(ctx context.Context, id, ownerID string) (*models.Conversation, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.byID[id]
	if !ok || conv.UserID != ownerID {
		return nil, ErrNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) List(ctx context.Context, ownerID string, query ListQuery) (*Page, error) {
	_ = ctx
	query = query.Normalize()
	needle := strings.ToLower(query.Search)

	s.mu.RLock()
	matched := make([]models.Conversation, 0)
	for _, conv := range s.byID {
		if conv.UserID != ownerID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(conv.Title), needle) {
			continue
		}
		summary := *conv
		summary.Turns = nil
		matched = append(matched, summary)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := &Page{Page: query.Page, PageSize: query.PageSize, Total: int64(len(matched))}
	start := query.Offset()
	if start < len(matched) {
		end := start + query.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		page.Data = matched[start:end]
	} else {
		page.Data = []models.Conversation{}
	}

	return page, nil
}

func (s *MemoryStore) AppendTurns(ctx context.Context, id string, turns []models.Turn) (*models.Conversation, error) {
	if err := ValidateTurns(turns); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := append(conv.Turns.Clone(), turns...)
	conv.Turns = next
	conv.UpdatedAt = s.now()

	return copyConversation(conv), nil
}

func copyConversation(conv *models.Conversation) *models.Conversation {
	out := *conv
	out.Turns = conv.Turns.Clone()
	return &out
}
