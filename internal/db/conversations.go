package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/oraltrainer/internal/conversation"
	"github.com/wuwenbin0122/oraltrainer/internal/history"
	"github.com/wuwenbin0122/oraltrainer/internal/models"
)

// ConversationStore keeps conversations in Postgres with the turn log encoded
// in the history column. Appends take a row lock so concurrent turns on the
// same conversation are applied one after another.
type ConversationStore struct {
	pool    *pgxpool.Pool
	catalog *Catalog
	now     func() time.Time
}

func NewConversationStore(pool *pgxpool.Pool, catalog *Catalog) (*ConversationStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if catalog == nil {
		return nil, errors.New("conversation catalog is nil")
	}

	return &ConversationStore{
		pool:    pool,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ConversationStore) Create(ctx context.Context, ownerID, title string) (*models.Conversation, error) {
	title, err := conversation.NormalizeTitle(title)
	if err != nil {
		return nil, err
	}

	blob, err := history.Encode(models.TurnLog{})
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

	const query = `INSERT INTO conversations (id, user_id, title, history, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, query, conv.ID, conv.UserID, conv.Title, blob, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return conv, nil
}

func (s *ConversationStore) Load(ctx context.Context, id, ownerID string) (*models.Conversation, error) {
	const query = `SELECT id, user_id, title, history, created_at, updated_at FROM conversations WHERE id = $1 AND user_id = $2`

	conv, err := scanConversation(s.pool.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationStore) List(ctx context.Context, ownerID string, query conversation.ListQuery) (*conversation.Page, error) {
	return s.catalog.List(ctx, ownerID, query)
}

// AppendTurns reads the current history under FOR UPDATE, appends turns and
// writes it back in the same transaction.
func (s *ConversationStore) AppendTurns(ctx context.Context, id string, turns []models.Turn) (*models.Conversation, error) {
	if err := conversation.ValidateTurns(turns); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectQuery = `SELECT id, user_id, title, history, created_at, updated_at FROM conversations WHERE id = $1 FOR UPDATE`

	var (
		conv models.Conversation
		blob string
	)
	err = tx.QueryRow(ctx, selectQuery, id).Scan(&conv.ID, &conv.UserID, &conv.Title, &blob, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, fmt.Errorf("lock conversation: %w", err)
	}

	next, log, err := history.Append(blob, turns...)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}

	conv.Turns = log
	conv.UpdatedAt = s.now()

	const updateQuery = `UPDATE conversations SET history = $2, updated_at = $3 WHERE id = $1`
	if _, err := tx.Exec(ctx, updateQuery, id, next, conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update conversation history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}

	return &conv, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var (
		conv models.Conversation
		blob string
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &blob, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	turns, err := history.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conv.ID, err)
	}
	conv.Turns = turns

	return &conv, nil
}
