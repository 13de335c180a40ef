package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/ignite/bulk-verifier/internal/repository/postgres"
	"github.com/joho/godotenv"
)

var log = logger.New("migrate")

func main() {
	listOnly := flag.Bool("list", false, "list the verifier's tables and exit")
	printOnly := flag.Bool("print", false, "print the embedded schema and exit")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	if *printOnly {
		fmt.Print(postgres.Schema())
		return
	}

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := postgres.Open(ctx, dsn, postgres.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		log.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *listOnly {
		if err := listTables(ctx, db); err != nil {
			log.Error("listing tables", "error", err)
			os.Exit(1)
		}
		return
	}

	start := time.Now()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Error("applying schema", "error", err)
		os.Exit(1)
	}
	log.Info("schema applied", "took", time.Since(start).String())
}

func listTables(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = current_schema() AND tablename LIKE 'verify\_%'
		ORDER BY tablename`)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println(name)
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if n == 0 {
		log.Warn("no verifier tables found; run without -list to create them")
	}
	return nil
}
