package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"transfer-orchestrator/backend/internal/admission"
	"transfer-orchestrator/backend/internal/api"
	"transfer-orchestrator/backend/internal/auth"
	"transfer-orchestrator/backend/internal/challenge"
	"transfer-orchestrator/backend/internal/config"
	"transfer-orchestrator/backend/internal/credential"
	"transfer-orchestrator/backend/internal/dispatch"
	"transfer-orchestrator/backend/internal/engine"
	"transfer-orchestrator/backend/internal/events"
	"transfer-orchestrator/backend/internal/logging"
	"transfer-orchestrator/backend/internal/mcp"
	"transfer-orchestrator/backend/internal/notify"
	"transfer-orchestrator/backend/internal/observability"
	"transfer-orchestrator/backend/internal/process"
	"transfer-orchestrator/backend/internal/repository"
	"transfer-orchestrator/backend/internal/sms"
	"transfer-orchestrator/backend/internal/tls"
	"transfer-orchestrator/backend/pkg/models"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"store", cfg.Store,
		"engine_url", cfg.Engine.URL,
		"okta_domain", cfg.Auth.OktaDomain,
		"swagger_client_id", cfg.Auth.SwaggerClientID,
	)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("Store ready", "store", cfg.Store)

	counters, closeCounters, err := openAdmissionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCounters()
	limits := admission.Limits{
		MaxItems:      cfg.Admission.MaxItems,
		MaxConcurrent: cfg.Admission.MaxConcurrent,
		RateLimit:     cfg.Admission.RateLimit,
		RateWindow:    cfg.Admission.RateWindow,
	}
	smsGate := admission.NewController("sms", limits, counters, logger, metrics)
	importGate := admission.NewController("imports", limits, counters, logger, metrics)

	creds := credential.NewManager(store, logger, credential.Options{
		TTL:                 cfg.Credentials.TTL,
		InternalApplication: cfg.Credentials.InternalApplication,
	})
	engineClient := engine.NewClient(cfg.Engine.URL, cfg.Engine.Timeout, cfg.Engine.Role, creds)

	hub := events.NewHub(0, logger)
	notifier := notify.New(hub, logger)
	processes := process.NewService(store, engineClient, notifier, logger, metrics, process.Options{
		ActionCooldown: cfg.Process.ActionCooldown,
	})
	broker := challenge.NewBroker(store, engineClient, hub, logger, metrics, nil)
	dispatcher := newDispatcher(cfg, store, notifier, logger, metrics)

	rearmed, err := broker.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover challenges: %w", err)
	}
	logger.Info("Service layer initialized", "rearmed_challenges", rearmed)

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	srv := api.NewServer(api.Deps{
		Processes:  processes,
		Broker:     broker,
		Hub:        hub,
		Dispatcher: dispatcher,
		SMS:        smsGate,
		Imports:    importGate,
		Batches:    store,
		Store:      store,
		Logger:     logger,
		Version:    version,
	})
	e := newEcho(cfg, logger, authz, srv, creds)

	mcpServer := mcp.NewServer(processes, broker, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))
	logger.Info("MCP protocol handlers mounted")

	if cfg.TLS.Enable {
		created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames, time.Now())
		if err != nil {
			return err
		}
		if created {
			logger.Warn("generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}

	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     e,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout: cfg.HTTP.IdleTimeout,
		// no WriteTimeout: the event stream is long lived
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		var err error
		if cfg.TLS.Enable {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return smsGate.Run(gctx, cfg.Admission.SweepInterval) })
	g.Go(func() error { return importGate.Run(gctx, cfg.Admission.SweepInterval) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			_ = server.Close()
		}
		if err := dispatcher.Wait(sctx); err != nil {
			logger.Warn("batches canceled at shutdown", "running", dispatcher.Running(), "error", err)
		}
		broker.Stop()
		logger.Info("Server stopped gracefully")
		return nil
	})
	return g.Wait()
}

func newDispatcher(cfg *config.Config, store repository.Repository, notifier *notify.Notifier, logger *logging.Logger, metrics *observability.Metrics) *dispatch.Dispatcher {
	d := dispatch.New(store, notifier, logger, metrics, dispatch.Limits{
		OwnerCooldown:   cfg.Dispatch.OwnerCooldown,
		OwnerConcurrent: cfg.Dispatch.OwnerConcurrent,
		MaxConcurrent:   cfg.Dispatch.MaxConcurrent,
		DailyVolume:     cfg.Dispatch.DailyVolume,
		ChunkSize:       cfg.Dispatch.ChunkSize,
		ChunkPause:      cfg.Dispatch.ChunkPause,
		ItemRetries:     cfg.Dispatch.ItemRetries,
		RetryDelay:      cfg.Dispatch.RetryDelay,
	}, nil)

	gateway := sms.NewClient(cfg.SMS.GatewayURL, cfg.SMS.APIKey, cfg.SMS.Sender, cfg.SMS.Timeout)
	d.Register(models.BatchKindSMS, sms.NewHandler(gateway, cfg.SMS.DefaultMessage))
	d.Register(models.BatchKindImport, dispatch.NewImportHandler(store))
	return d
}

func newEcho(cfg *config.Config, logger *logging.Logger, authz *auth.Auth, srv *api.Server, creds *credential.Manager) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.HTTPErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(cfg.Telemetry.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency, "request_id", v.RequestID)
			return nil
		},
	}))

	e.GET("/healthz", srv.HandleHealth)
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, srv)
	logger.Info("REST API handlers mounted", "auth_bypassed", authz.Bypassed())

	srv.RegisterWebhooks(e.Group("/webhooks/engine"), creds, credential.PermissionEngineCallback, cfg.Credentials.AutoRenewInbound)
	logger.Info("Engine webhooks mounted", "auto_renew", cfg.Credentials.AutoRenewInbound)
	return e
}
