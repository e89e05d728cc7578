package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"github.com/wuwenbin0122/oraltrainer/internal/db"
	"github.com/wuwenbin0122/oraltrainer/internal/history"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

func main() {
	id := flag.String("id", "", "conversation id to inspect")
	flag.Parse()

	if *id == "" {
		log.Fatal("usage: inspect_history -id <conversation id>")
	}

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

	var title, blob string
	const query = `SELECT title, history FROM conversations WHERE id = $1`
	if err := postgres.Pool.QueryRow(ctx, query, *id).Scan(&title, &blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Fatalf("conversation %s not found", *id)
		}
		log.Fatalf("query conversation: %v", err)
	}

	turns, format, err := history.DecodeWithFormat(blob)
	if err != nil {
		log.Fatalf("decode history: %v", err)
	}

	fmt.Printf("conversation: %s\n", *id)
	fmt.Printf("title: %s\n", title)
	fmt.Printf("format: %s (%d bytes)\n", format, len(blob))
	fmt.Printf("turns: %d\n", len(turns))
	for i, turn := range turns {
		fmt.Printf("%3d. %-9s %s\n", i+1, turn.Role, turn.Content)
	}
}
