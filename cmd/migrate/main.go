package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"dealroom.org/internal/config"
	"dealroom.org/internal/migrate"
	"dealroom.org/internal/obs"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("DEALROOM_CONFIG"), "Path to YAML config")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides config and DEALROOM_PG_DSN)")
	)
	flag.Parse()

	log := obs.Configure("info")
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if *dsn == "" {
		*dsn = cfg.Postgres.DSN
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DEALROOM_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.Migrations(), migrate.Seeds())

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		log.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
	log.Info("migrate done", zap.String("command", cmd))
}
