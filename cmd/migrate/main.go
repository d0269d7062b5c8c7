package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"market-structure-lab/internal/config"
	"market-structure-lab/internal/storage/migrations"
	pgstore "market-structure-lab/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (defaults apply when empty)")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string, overrides storage.postgres_dsn")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string, overrides clickhouse.dsn")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall migration timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *postgresDSN != "" {
		cfg.Storage.PostgresDSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		cfg.ClickHouse.DSN = *clickhouseDSN
	}

	if cfg.Storage.PostgresDSN == "" && cfg.ClickHouse.DSN == "" {
		fmt.Fprintln(os.Stderr, "Error: nothing to migrate, set --postgres-dsn and/or --clickhouse-dsn")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if cfg.Storage.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to PostgreSQL: %v\n", err)
			os.Exit(1)
		}
		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		pool.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error migrating PostgreSQL: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PostgreSQL: %d migration(s) applied\n", len(applied))
		for _, name := range applied {
			fmt.Printf("  - %s\n", name)
		}
	}

	if cfg.ClickHouse.DSN != "" {
		conn, applied, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error migrating ClickHouse: %v\n", err)
			os.Exit(1)
		}
		conn.Close()
		fmt.Printf("ClickHouse: %d migration(s) applied\n", len(applied))
		for _, name := range applied {
			fmt.Printf("  - %s\n", name)
		}
	}
}
