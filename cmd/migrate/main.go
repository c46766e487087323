package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/config"
	"github.com/kdimtricp/facesync/internal/database"
	"github.com/kdimtricp/facesync/internal/logging"
)

func main() {
	var (
		dbType         = flag.String("db", "postgres", "Database type (postgres or sqlite)")
		host           = flag.String("host", "localhost", "Database host")
		port           = flag.Int("port", 5432, "Database port")
		user           = flag.String("user", "facesync", "Database user")
		password       = flag.String("password", "facesync_dev", "Database password")
		dbName         = flag.String("name", "facesync", "Database name")
		sqlitePath     = flag.String("path", "./facesync.db", "SQLite database path")
		migrationsPath = flag.String("migrations", "./migrations", "Path to migrations directory")
		status         = flag.Bool("status", false, "Show migration status only")
		verbose        = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal("failed to load .env", zap.Error(err))
	}

	cfg := database.Config{
		Type:       *dbType,
		Host:       *host,
		Port:       *port,
		User:       *user,
		Password:   *password,
		Name:       *dbName,
		SQLitePath: *sqlitePath,
	}
	if err := applyEnv(&cfg); err != nil {
		logger.Fatal("invalid database environment", zap.Error(err))
	}

	if err := migrate(context.Background(), cfg, *migrationsPath, *status, os.Stdout, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	_ = logger.Sync()
}

// applyEnv lets environment variables override flags.
func applyEnv(cfg *database.Config) error {
	if env := os.Getenv("DB_TYPE"); env != "" {
		cfg.Type = env
	}
	if env := os.Getenv("DB_HOST"); env != "" {
		cfg.Host = env
	}
	if env := os.Getenv("DB_PORT"); env != "" {
		p, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("DB_PORT: %w", err)
		}
		cfg.Port = p
	}
	if env := os.Getenv("DB_USER"); env != "" {
		cfg.User = env
	}
	if env := os.Getenv("DB_PASSWORD"); env != "" {
		cfg.Password = env
	}
	if env := os.Getenv("DB_NAME"); env != "" {
		cfg.Name = env
	}
	if env := os.Getenv("DB_PATH"); env != "" {
		cfg.SQLitePath = env
	}
	return nil
}

// migrate applies pending migrations, or with status only reports them.
// The database is closed before it returns.
func migrate(ctx context.Context, cfg database.Config, dir string, status bool, out io.Writer, logger *zap.Logger) error {
	db, err := database.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)

	if status {
		if db.Type() != "postgres" {
			fmt.Fprintln(out, "SQLite databases create their schema on open; nothing to migrate.")
			return nil
		}
		if err := migrator.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize migrator: %w", err)
		}
		applied, err := migrator.AppliedMigrations(ctx)
		if err != nil {
			return fmt.Errorf("get applied migrations: %w", err)
		}
		migrations, err := migrator.LoadMigrations(dir)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}

		fmt.Fprintln(out, "Migration Status:")
		fmt.Fprintln(out, "=================")
		for _, m := range migrations {
			state := "pending"
			if applied[m.Version] {
				state = "applied"
			}
			fmt.Fprintf(out, "%s - %s [%s]\n", m.Version, m.Name, state)
		}
		return nil
	}

	fmt.Fprintf(out, "Running migrations from %s...\n", dir)
	n, err := migrator.Run(ctx, dir)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Fprintf(out, "Migrations completed successfully (%d applied)\n", n)
	return nil
}
