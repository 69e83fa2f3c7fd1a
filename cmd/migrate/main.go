package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/qman/qman/internal/adapter/persistence"
	"github.com/qman/qman/internal/config"
)

// Applies the ledger schema to the configured database. The daemon
// migrates on startup as well; this exists for provisioning hosts
// before qmand is enabled.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.GetDatabaseURL())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	store := persistence.NewStore(db, persistence.Dialect(cfg.Database.Driver))
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Printf("schema applied (%s)", cfg.Database.Driver)
}
