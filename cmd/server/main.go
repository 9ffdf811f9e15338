// Package main runs the marketplace server: a payment-gated reverse proxy
// in front of provider-registered AI services, with registry, ledger and
// analytics APIs.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	app "github.com/tokenlab-io/marketplace/internal/app"
	"github.com/tokenlab-io/marketplace/internal/app/httpapi"
	"github.com/tokenlab-io/marketplace/internal/app/storage/postgres"
	"github.com/tokenlab-io/marketplace/internal/app/storage/redisstore"
	"github.com/tokenlab-io/marketplace/internal/config"
	"github.com/tokenlab-io/marketplace/internal/middleware"
	"github.com/tokenlab-io/marketplace/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}).WithComponent("server")

	stores := app.Stores{}

	if cfg.Database.DSN != "" {
		db, err := openDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		pg := postgres.New(db)
		stores.Services = pg
		stores.Transactions = pg
		stores.Nonces = pg
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory storage")
	}

	if cfg.Redis.URL != "" {
		rs, err := redisstore.New(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer rs.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rs.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}

		stores.Windows = rs
		stores.Nonces = rs
		log.Info("using redis rate windows and nonces")
	} else {
		log.Warn("REDIS_URL not set; using in-memory rate windows")
	}

	application, err := app.New(stores, app.Options{
		ProxyBaseURL:      cfg.Proxy.BaseURL,
		RateWindow:        cfg.Proxy.RateWindow,
		RateFailOpen:      cfg.Proxy.RateFailOpen,
		ReconcileInterval: cfg.Proxy.ReconcileInterval,
		ReconcileGrace:    cfg.Proxy.ReconcileGrace,
	}, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	apiLimiter := middleware.NewRateLimiter(cfg.Proxy.APIRatePerSecond, cfg.Proxy.APIRateBurst, log)
	cors := middleware.NewCORSMiddleware([]string{"*"})
	handler := cors.Handler(apiLimiter.Handler(httpapi.NewHandler(application)))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("marketplace server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}

	log.Info("server stopped")
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
