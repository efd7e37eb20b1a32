// Command syncd is the long-running ingest daemon: it applies pending
// migrations, then starts one table synchronizer per configured table and
// blocks until interrupted. It never exits 0 in normal operation — the
// supervisor's table loops run forever — matching spec §6's exit-code
// contract.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/parquet-sync/internal/config"
	"github.com/ignite/parquet-sync/internal/metrics"
	"github.com/ignite/parquet-sync/internal/migrate"
	"github.com/ignite/parquet-sync/internal/objstore"
	"github.com/ignite/parquet-sync/internal/supervisor"
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

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("connecting to postgres: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Pools.PostgresPoolSize + cfg.Pools.PostgresMaxOverflow)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(ctx)
	cancel()
	if err != nil {
		log.Fatalf("pinging postgres: %v", err)
	}
	log.Println("connected to postgres")

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	m := migrate.New(db, cfg.S3.Database, cfg.S3.Schema, cfg.Postgres.Schema, cfg.Tables, nil)
	if err := m.Apply(migrationsDir); err != nil {
		log.Fatalf("applying migrations: %v", err)
	}
	log.Println("migrations applied")

	objCtx, objCancel := context.WithTimeout(context.Background(), 10*time.Second)
	objStore, err := objstore.New(objCtx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Profile, cfg.Pools.S3PoolSize)
	objCancel()
	if err != nil {
		log.Fatalf("constructing object store client: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}

	sink := metrics.NewLogSink()
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	go sink.Run(sinkCtx, 30*time.Second)

	sup := supervisor.New(cfg, db, objStore, redisClient, sink)

	log.Println("starting supervisor")
	if err := sup.Run(context.Background()); err != nil {
		log.Fatalf("supervisor exited with error: %v", err)
	}
}
