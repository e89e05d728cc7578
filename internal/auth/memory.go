package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

// MemoryUserStore keeps accounts in process memory, keyed by lower-cased username.
type MemoryUserStore struct {
	mu          sync.RWMutex
	usersByName map[string]*models.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{usersByName: make(map[string]*models.User)}
}

func (m *MemoryUserStore) CreateUser(ctx context.Context, user *models.User) error {
	_ = ctx
	key := usernameKey(user.Username)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.usersByName[key]; exists {
		return ErrUserExists
	}

	stored := *user
	m.usersByName[key] = &stored
	return nil
}

func (m *MemoryUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	_ = ctx

	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.usersByName[usernameKey(username)]
	if !ok {
		return nil, ErrUserNotFound
	}

	found := *user
	return &found, nil
}

func usernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
