package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"

	"voucherpro/backend/internal/audit"
	"voucherpro/backend/internal/auth"
	"voucherpro/backend/internal/config"
	"voucherpro/backend/internal/crm"
	"voucherpro/backend/internal/httpserver"
	"voucherpro/backend/internal/invoices"
	"voucherpro/backend/internal/migrations"
	"voucherpro/backend/internal/observability"
	"voucherpro/backend/internal/sqlbrowser"
	"voucherpro/backend/internal/vouchers"
)

type App struct {
	cfg    config.Config
	log    *slog.Logger
	db     *sql.DB
	server *httpserver.Server
}

// New wires the whole backend. With VOUCHER_DB_URL set every store is
// postgres-backed; without it the app runs on file/in-memory stores, which
// also means the db browser and migration endpoints report unavailable.
func New(cfg config.Config) (*App, error) {
	log := observability.NewLogger()

	var (
		db       *sql.DB
		users    auth.UserStore
		sessions auth.SessionStore
		recorder auth.AuditRecorder
		deps     httpserver.Deps
	)

	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		userStore, err := auth.NewPostgresUserStore(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init user store: %w", err)
		}
		sessionStore, err := auth.NewPostgresSessionStore(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init session store: %w", err)
		}
		pgRecorder, err := audit.NewPostgresRecorder(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init audit recorder: %w", err)
		}
		crmSvc, err := crm.NewPGService(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init crm service: %w", err)
		}
		voucherSvc, err := vouchers.NewPGService(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init voucher service: %w", err)
		}
		invoiceSvc, err := invoices.NewPGService(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init invoice service: %w", err)
		}
		browser, err := sqlbrowser.NewService(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init sql browser: %w", err)
		}
		migrationSvc, err := migrations.NewService(cfg.MigrationsDir, db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init migration service: %w", err)
		}

		users = userStore
		sessions = sessionStore
		recorder = pgRecorder
		deps.CRM = crmSvc
		deps.Vouchers = voucherSvc
		deps.Invoices = invoiceSvc
		deps.SQLBrowser = browser
		deps.Migrations = migrationSvc
		log.Info("storage configured", "backend", "postgres")
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.UserStateFile), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		fileStore, err := auth.NewFileUserStore(cfg.UserStateFile)
		if err != nil {
			return nil, fmt.Errorf("init user store: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.AuditLogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}

		users = fileStore
		sessions = auth.NewInMemorySessionStore()
		recorder = audit.NewFileRecorder(cfg.AuditLogFile)
		deps.CRM = crm.NewService()
		deps.Vouchers = vouchers.NewService()
		deps.Invoices = invoices.NewService()
		log.Info("storage configured", "backend", "file")
	}

	authSvc, err := auth.NewService(users, sessions, recorder, log, auth.ServiceConfig{
		LockoutThreshold: cfg.Auth.LockoutThreshold,
		LockoutDuration:  cfg.Auth.LockoutDuration,
		SessionTTL:       cfg.Auth.SessionTTL,
		StoreTimeout:     cfg.Auth.StoreTimeout,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	bootstrapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := authSvc.EnsureBootstrapUser(bootstrapCtx, cfg.Auth.BootstrapUsername, cfg.Auth.BootstrapPassword); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("ensure bootstrap user: %w", err)
	}
	if cfg.Auth.SeedUsersFile != "" {
		if err := authSvc.SeedFromFile(bootstrapCtx, cfg.Auth.SeedUsersFile); err != nil {
			log.Warn("seed users failed", "file", cfg.Auth.SeedUsersFile, "error", err)
		}
	}

	deps.Auth = authSvc
	deps.Audit = recorder

	return &App{
		cfg:    cfg,
		log:    log,
		db:     db,
		server: httpserver.New(cfg.HTTP, deps),
	}, nil
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.HTTP.Addr)
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		a.closeDB()
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	err := a.server.Shutdown(shutdownCtx)
	a.closeDB()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *App) closeDB() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("close database", "error", err)
		}
	}
}
