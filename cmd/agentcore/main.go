// Command agentcore runs the schema-driven agent execution platform:
// the Schema Registry, Dynamic Table Migrator, Tool Registry, Pipeline
// Executor, Log Bus, and Agent Runner, wired together over one
// PostgreSQL connection pool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/agentcore/pkg/cleanup"
	"github.com/codeready-toolchain/agentcore/pkg/config"
	"github.com/codeready-toolchain/agentcore/pkg/database"
	"github.com/codeready-toolchain/agentcore/pkg/executor"
	"github.com/codeready-toolchain/agentcore/pkg/logbus"
	"github.com/codeready-toolchain/agentcore/pkg/migrator"
	"github.com/codeready-toolchain/agentcore/pkg/registry"
	"github.com/codeready-toolchain/agentcore/pkg/runner"
	"github.com/codeready-toolchain/agentcore/pkg/schema"
	"github.com/codeready-toolchain/agentcore/pkg/tools"
	"github.com/codeready-toolchain/agentcore/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	slog.Info("starting", "version", version.Full())

	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	httpAddr := flag.String("http-addr", getEnv("HTTP_ADDR", ":8080"), "Address for the HTTP endpoints (health, agent-types, run, and the Log Bus websocket fan-out)")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("error closing database client", "error", err)
		}
	}()
	slog.Info("connected to PostgreSQL, static migrations applied")

	schemaRegistry := registry.New(dbClient.DB())
	tableMigrator := migrator.New(dbClient.DB())
	toolRegistry := tools.NewRegistry()
	bus := logbus.New(dbClient.DB(), cfg.LogBus.MaxLen)
	pipelineExecutor := executor.New(toolRegistry, time.Duration(cfg.Executor.CancelGraceSecs)*time.Second)
	agentRunner := runner.New(schemaRegistry, toolRegistry, pipelineExecutor, bus, nil, cfg.Pipeline.MaxExecutionTimeSecs)

	cleanupService := cleanup.NewService(cfg.Retention, bus)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Database, cfg.Database.SSLMode,
	)
	listener := logbus.NewListener(dsn, dbClient.DB())
	hub := logbus.NewHub()
	listener.AddHandler("websocket_fanout", hub.HandleEvent)
	if err := listener.Start(ctx); err != nil {
		slog.Error("failed to start log bus listener", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := listener.Stop(ctx); err != nil {
			slog.Error("error stopping log bus listener", "error", err)
		}
		hub.Close(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		reqCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, err := database.Health(reqCtx, dbClient.DB())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(status.Status))
	})
	mux.Handle("/logs/stream", hub)

	mux.HandleFunc("/agent-types", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Schema    schema.Schema `json:"schema"`
			CreatedBy string        `json:"created_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		at, err := schemaRegistry.Register(r.Context(), req.Schema, req.CreatedBy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		plan, err := tableMigrator.Plan(r.Context(), at.ID, req.Schema.DataModels)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := tableMigrator.Apply(r.Context(), plan, cfg.Migrator.ConfirmDestructiveDefault); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(at)
	})

	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var in runner.RunInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := agentRunner.Run(r.Context(), in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	slog.Info("agentcore listening", "addr", *httpAddr)
	if err := http.ListenAndServe(*httpAddr, mux); err != nil {
		slog.Error("http server stopped", "error", err)
		os.Exit(1)
	}
}
