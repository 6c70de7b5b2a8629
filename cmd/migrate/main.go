package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/config"
	"github.com/nprasetio/go-checkout-orders/internal/postgres"
)

// Applies migrations/*.sql in lexical order, tracking what ran in a
// schema_migrations table. Re-running is a no-op.
func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load()
	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	dir := "migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		log.Fatal("migrations table", zap.Error(err))
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		log.Fatal("list migrations", zap.Error(err))
	}
	sort.Strings(files)

	for _, f := range files {
		name := filepath.Base(f)

		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = $1)`, name,
		).Scan(&exists); err != nil {
			log.Fatal("check migration", zap.String("name", name), zap.Error(err))
		}
		if exists {
			log.Info("already applied", zap.String("name", name))
			continue
		}

		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			log.Fatal("read migration", zap.String("name", name), zap.Error(err))
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			log.Fatal("begin", zap.Error(err))
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			log.Fatal("apply migration", zap.String("name", name), zap.Error(err))
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			log.Fatal("record migration", zap.String("name", name), zap.Error(err))
		}
		if err := tx.Commit(ctx); err != nil {
			log.Fatal("commit", zap.String("name", name), zap.Error(err))
		}
		log.Info("applied", zap.String("name", name))
	}
}
