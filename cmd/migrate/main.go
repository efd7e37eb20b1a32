// Command migrate applies the schema migration files under a directory to
// the configured Postgres database, selectively by source database/schema
// and configured table set, per spec §4.H.
package main

import (
	"database/sql"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/ignite/parquet-sync/internal/config"
	"github.com/ignite/parquet-sync/internal/migrate"
)

func main() {
	configPath := os.Getenv("PARQUET_SYNC_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	dir := "migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("connected to database")

	m := migrate.New(db, cfg.S3.Database, cfg.S3.Schema, cfg.Postgres.Schema, cfg.Tables, nil)
	if err := m.Apply(dir); err != nil {
		log.Fatalf("applying migrations: %v", err)
	}
	log.Println("migrations complete")
}
