// Package main provides the entry point for the cloudquay server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/cloudquay/cloudquay/internal/server"
	"github.com/cloudquay/cloudquay/pkg/audit"
	auditpg "github.com/cloudquay/cloudquay/pkg/audit/postgres"
	"github.com/cloudquay/cloudquay/pkg/database/migrate"
	"github.com/cloudquay/cloudquay/pkg/platform"
	"github.com/cloudquay/cloudquay/pkg/rm"
	"github.com/cloudquay/cloudquay/pkg/security/local"
	"github.com/cloudquay/cloudquay/pkg/websession"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	logLevel    string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Server listen address (overrides config)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(path string) (*platform.Config, error) {
	if path == "" {
		return platform.DefaultConfig(), nil
	}
	return platform.LoadConfig(path)
}

func openDatabase(cfg *platform.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func setupAuditLogger(cfg *platform.Config, db *sql.DB, logger *slog.Logger) audit.Logger {
	if cfg.Audit.Enabled && db != nil {
		store := auditpg.New(db, auditpg.Config{RetentionDays: cfg.Audit.RetentionDays})
		store.StartPruneRoutine()
		return store
	}
	return audit.NewSlogLogger(logger)
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("cloudquay version %s\n", server.Version)
		return nil
	}

	logger := setupLogger(opts.logLevel)

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	ctx := setupSignalHandler()

	var db *sql.DB
	if cfg.Database.Enabled {
		db, err = openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	auditor := setupAuditLogger(cfg, db, logger)
	defer auditor.Close()

	sec := local.New(cfg.Security)
	resources := rm.NewMemoryController()
	resources.AddProject(rm.GlobalProject())

	app := websession.NewApp(cfg, sec, resources,
		websession.WithAuditLogger(auditor),
		websession.WithLogger(logger),
	)

	registry := websession.NewRegistry(app)
	registry.StartCleanupRoutine(cfg.Sessions.CleanupInterval)
	defer registry.Close(context.Background())

	srv := server.New(cfg, app, registry, sec)

	logger.Info("starting server",
		"name", cfg.Server.Name,
		"version", server.Version,
		"address", cfg.Server.Address,
	)
	return srv.ListenAndServe(ctx)
}
