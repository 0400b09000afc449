package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	flag "github.com/spf13/pflag"

	"arbiter.gg/internal/config"
	"arbiter.gg/internal/migrate"
	"arbiter.gg/internal/obs"
	"arbiter.gg/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", "", "PostgreSQL DSN (default $ARBITER_PG_DSN)")
		envFile = flag.String("env-file", ".env", "Optional dotenv file")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
		level   = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("load %s: %v", *envFile, err)
	}
	if *dsn == "" {
		*dsn = os.Getenv("ARBITER_PG_DSN")
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or ARBITER_PG_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	logger, err := obs.InitLogger(false, *level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	mgr := migrate.NewManager(db, migrations.FS, migrations.SchemaDir, migrations.SeedsDir,
		migrate.WithLogger(logger.Named("migrate")))

	switch flag.Arg(0) {
	case "up":
		var n int
		if n, err = mgr.Up(ctx); err == nil {
			fmt.Printf("applied %d migration(s)\n", n)
		}
	case "down":
		var name string
		if name, err = mgr.Down(ctx); err == nil {
			fmt.Printf("rolled back %s\n", name)
		}
	case "seed":
		var n int
		if n, err = mgr.Seed(ctx); err == nil {
			fmt.Printf("applied %d seed file(s)\n", n)
		}
	case "status":
		var history []migrate.Record
		if history, err = mgr.Status(ctx); err == nil {
			for _, rec := range history {
				sum := rec.Checksum
				if len(sum) > 12 {
					sum = sum[:12]
				}
				fmt.Printf("%-40s %s %s\n", rec.Name, rec.AppliedAt.UTC().Format(time.RFC3339), sum)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
