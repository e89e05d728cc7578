package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"github.com/wuwenbin0122/oraltrainer/internal/db"
	"github.com/wuwenbin0122/oraltrainer/internal/history"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

// migrate_history rewrites legacy unversioned history blobs into the current
// versioned envelope. Each row is re-read under FOR UPDATE so a turn committed
// concurrently is never lost.
func main() {
	dryRun := flag.Bool("dry-run", false, "report legacy rows without rewriting them")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	postgres, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer postgres.Close()

	ids, err := legacyCandidates(ctx, postgres)
	if err != nil {
		log.Fatalf("scan conversations: %v", err)
	}

	var migrated, skipped int
	for _, id := range ids {
		changed, err := migrateOne(ctx, postgres, id, *dryRun)
		if err != nil {
			log.Fatalf("migrate %s: %v", id, err)
		}
		if changed {
			migrated++
		} else {
			skipped++
		}
	}

	verb := "migrated"
	if *dryRun {
		verb = "would migrate"
	}
	fmt.Printf("%s %d conversation(s), %d already current\n", verb, migrated, skipped)
	fmt.Printf("done at %s\n", time.Now().Format(time.RFC3339))
}

// legacyCandidates lists rows whose blob is not a versioned envelope.
func legacyCandidates(ctx context.Context, postgres *db.Postgres) ([]string, error) {
	rows, err := postgres.Pool.Query(ctx, `SELECT id FROM conversations WHERE history NOT LIKE '{%' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func migrateOne(ctx context.Context, postgres *db.Postgres, id string, dryRun bool) (bool, error) {
	tx, err := postgres.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var blob string
	if err := tx.QueryRow(ctx, `SELECT history FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&blob); err != nil {
		return false, fmt.Errorf("lock row: %w", err)
	}

	turns, format, err := history.DecodeWithFormat(blob)
	if err != nil {
		return false, err
	}
	if format == history.FormatVersioned {
		return false, nil
	}

	fmt.Printf("- %s: %s, %d turn(s)\n", id, format, len(turns))
	if dryRun {
		return true, nil
	}

	encoded, err := history.Encode(turns)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET history = $2 WHERE id = $1`, id, encoded); err != nil {
		return false, fmt.Errorf("update history: %w", err)
	}

	return true, tx.Commit(ctx)
}
