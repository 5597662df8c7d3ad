package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"authcore.org/internal/authz"
	"authcore.org/internal/config"
	"authcore.org/internal/migrate"
	"authcore.org/internal/obs"
	"authcore.org/internal/store/pg"
)

func main() {
	logger := obs.Logger()
	var (
		configPath = flag.String("config", os.Getenv("AUTHCORE_CONFIG"), "Path to YAML config")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN, overrides database.dsn")
		table      = flag.String("table", "", "Version table name")
	)
	flag.Parse()

	fatal := func(msg string, err error) {
		logger.Error(msg, slog.String("error", err.Error()))
		os.Exit(1)
	}

	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [up|down|status|version|seed]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil && *dsn == "" {
		fatal("load config", err)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if cfg.Database.DSN == "" {
		fatal("missing dsn", fmt.Errorf("set database.dsn, AUTHCORE_DATABASE__DSN or -dsn"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := pg.Open(cfg.Database.DSN, pg.Pool{MaxOpenConns: 2})
	if err != nil {
		fatal("open db", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.WithMigrationsTable(*table), migrate.WithLogger(logger))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "version":
		var v int64
		if v, err = mgr.Version(ctx); err == nil {
			fmt.Println(v)
		}
	case "status":
		var history []string
		if history, err = mgr.Status(ctx); err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "seed":
		var n int
		graph := authz.NewRoleGraph(store, authz.NoCache{}, authz.WithLogger(logger))
		if n, err = graph.EnsureCatalog(ctx); err == nil {
			fmt.Printf("seeded %d permissions, %s role up to date\n", n, authz.AdministratorRole)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}
	if err != nil {
		fatal("migrate "+flag.Arg(0), err)
	}
}
