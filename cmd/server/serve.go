package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"empathy-ledger/backend/internal/api"
	"empathy-ledger/backend/internal/auth"
	"empathy-ledger/backend/internal/config"
	"empathy-ledger/backend/internal/logging"
	"empathy-ledger/backend/internal/mcp"
	"empathy-ledger/backend/internal/metrics"
	"empathy-ledger/backend/internal/repository"
	"empathy-ledger/backend/internal/services"
	"empathy-ledger/backend/internal/tls"
)

const serviceName = "empathy-ledger-workflow"

func runServer(ctx context.Context, opts serveOptions) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"db_driver", cfg.DB.Driver,
		"okta_domain", cfg.Auth.OktaDomain,
		"swagger_client_id", cfg.Auth.SwaggerClientID,
		"config_file", cfg.ConfigFile,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID; PKCE sign-in from /docs will fail if the backend app requires a secret")
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("Record store connected", "driver", cfg.DB.Driver)

	workflows := services.NewWorkflowService(store, logger, services.WorkflowOptions{
		StoreTimeout:      cfg.Workflow.StoreTimeout,
		BatchConcurrency:  cfg.Workflow.BatchConcurrency,
		DefaultQueueLimit: cfg.Workflow.DefaultQueueLimit,
	})
	analytics := services.NewAnalyticsService(store, logger, cfg.Workflow.StoreTimeout)

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}
	if authz.Bypass() {
		logger.Warn("Auth bypass enabled; every request acts as " + auth.DevUser)
	}

	e := newEcho(cfg, logger, api.NewServer(workflows, analytics, store, logger), mcp.NewServer(workflows, analytics), authz)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: MCP SSE streams stay open.
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
			if err != nil {
				serverErrors <- fmt.Errorf("prepare tls certificate: %w", err)
				return
			}
			if generated {
				logger.Info("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hostnames", cfg.TLS.Hostnames)
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func newEcho(cfg *config.Config, logger *logging.Logger, apiServer *api.Server, mcpServer *mcp.Server, authz *auth.Auth) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	httpLogger := logger.Component("http")
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				httpLogger.Warn("request failed", append(args, "error", v.Error)...)
				return nil
			}
			httpLogger.Debug("request", args...)
			return nil
		},
	}))
	e.Use(otelecho.Middleware(serviceName))
	e.Use(metrics.Middleware())

	e.GET("/healthz", apiServer.Health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	apiServer.RegisterRoutes(apiGroup)
	logger.Info("REST API handlers mounted")

	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", api.SpecHandler(cfg.Auth.OktaDomain))
	e.GET("/docs", api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID))
	e.GET("/docs/oauth2-redirect.html", api.OAuth2RedirectHandler)

	return e
}

// openStore connects the record store selected by db.driver.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.WorkflowStore, func(), error) {
	switch cfg.DB.Driver {
	case "sqlite":
		store, err := repository.OpenSQLite(ctx, cfg.DB.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresWorkflowStore(pool), pool.Close, nil
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Workflow.StoreTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
