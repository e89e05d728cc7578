package conversation

import (
	"context"
	"sync"

	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

// Locker serialises work on a single conversation id. The returned function
// releases the lock and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker holding one mutex per key. Entries are
// dropped once no goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch      chan struct{}
	waiters int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.waiters++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, entry, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, entry, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, entry *keyedEntry, held bool) {
	if held {
		<-entry.ch
	}

	k.mu.Lock()
	entry.waiters--
	if entry.waiters == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Serialized wraps store so that AppendTurns runs while holding locker for the
// conversation id. It is used to add a cross-replica lock in front of stores
// that only serialise within one process.
func Serialized(store Store, locker Locker) Store {
	if locker == nil {
		return store
	}
	return &serializedStore{Store: store, locker: locker}
}

type serializedStore struct {
	Store
	locker Locker
}

func (s *serializedStore) AppendTurns(ctx context.Context, id string, turns []models.Turn) (*models.Conversation, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.Store.AppendTurns(ctx, id, turns)
}
