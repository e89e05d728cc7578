package db_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/oraltrainer/internal/conversation"
	"github.com/wuwenbin0122/oraltrainer/internal/db"
	"github.com/wuwenbin0122/oraltrainer/internal/models"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

func TestMongoConversationStore(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping mongo integration test")
	}

	database := "oraltrainer_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	m, err := db.NewMongo(context.Background(), utils.MongoConfig{
		URI:            uri,
		Database:       database,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}
	defer func() {
		ctx := context.Background()
		m.Database.Drop(ctx)
		m.Close(ctx)
	}()

	ctx := context.Background()
	if err := m.EnsureCollections(ctx); err != nil {
		t.Fatalf("ensure collections failed: %v", err)
	}

	store := db.NewMongoConversationStore(m)
	conv, err := store.Create(ctx, "owner", "Hotel booking")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := store.Load(ctx, conv.ID, "intruder"); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendTurns(ctx, conv.ID, []models.Turn{
				{Role: models.RoleUser, Content: "question"},
				{Role: models.RoleAssistant, Content: "answer"},
			})
			if err != nil && !errors.Is(err, db.ErrAppendConflict) {
				t.Errorf("append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	loaded, err := store.Load(ctx, conv.ID, "owner")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Turns)%2 != 0 || len(loaded.Turns) == 0 {
		t.Fatalf("expected whole pairs, got %d turns", len(loaded.Turns))
	}

	page, err := store.List(ctx, "owner", conversation.ListQuery{Search: "HOTEL"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.Total != 1 || page.Data[0].Turns != nil {
		t.Fatalf("unexpected listing %+v", page)
	}
}
