package main

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/sakif/code-engine/internal/auth"
	"github.com/sakif/code-engine/internal/config"
	"github.com/sakif/code-engine/internal/logging"
	"github.com/sakif/code-engine/internal/server"
	"github.com/sakif/code-engine/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	// The engine starts without a sandbox when the backend is unavailable:
	// /execute answers 503 while analysis keeps working.
	var sandbox service.Sandbox
	sup, cleanup, err := newSandbox(cfg, logging.WithComponent(logger, "sandbox"), registerer(reg))
	if err != nil {
		logger.Warn("sandbox backend unavailable, code execution is disabled",
			slog.String("backend", cfg.Sandbox.Backend),
			slog.String("error", err.Error()),
		)
	} else {
		sandbox = sup
	}

	engine := service.NewEngine(sandbox, service.Options{
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxCodeBytes:   cfg.Server.MaxCodeBytes,
		TaskTTL:        cfg.Sandbox.TaskTTL,
		Version:        version,
	}, logger)

	var tokens *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("auth.jwt_secret not set, the API is open")
	}

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitRPS:    cfg.RateLimit.RPS,
		RateLimitBurst:  cfg.RateLimit.Burst,
		Registry:        reg,
		Tokens:          tokens,
	}, engine, logger)

	if sup != nil {
		srv.OnShutdown(func(ctx context.Context) error {
			defer cleanup()
			return sup.Close(ctx)
		})
	}

	return srv.Start(cmd.Context())
}

// registerer avoids handing a typed nil *Registry to code that checks for a
// nil interface.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}
