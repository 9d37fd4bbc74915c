// Redress server - runs the exception-resolution pipeline workers and
// the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/redress-io/redress/pkg/agent"
	"github.com/redress-io/redress/pkg/api"
	"github.com/redress-io/redress/pkg/broker"
	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/database"
	"github.com/redress-io/redress/pkg/embeddings"
	"github.com/redress-io/redress/pkg/events"
	"github.com/redress-io/redress/pkg/notify"
	"github.com/redress-io/redress/pkg/observability"
	"github.com/redress-io/redress/pkg/playbook"
	"github.com/redress-io/redress/pkg/repository"
	"github.com/redress-io/redress/pkg/safety"
	"github.com/redress-io/redress/pkg/tool"
	"github.com/redress-io/redress/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// similarityAdapter bridges the embeddings index to the triage agent.
type similarityAdapter struct {
	index *embeddings.Index
}

func (a similarityAdapter) Similar(ctx context.Context, tenantID, text string, limit int) ([]agent.SimilarException, error) {
	neighbors, err := a.index.Similar(ctx, tenantID, text, limit)
	if err != nil {
		return nil, err
	}
	out := make([]agent.SimilarException, len(neighbors))
	for i, n := range neighbors {
		out[i] = agent.SimilarException{ExceptionID: n.ExceptionID, Score: n.Score}
	}
	return out, nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	log.Printf("Starting Redress")
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Config Directory: %s", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("✓ Connected to PostgreSQL database")

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	eventBroker, err := broker.NewRedisBroker(ctx, broker.DefaultRedisConfig(redisAddr))
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer func() {
		if err := eventBroker.Close(); err != nil {
			log.Printf("Error closing broker: %v", err)
		}
	}()
	log.Println("✓ Connected to Redis broker")

	db := dbClient.DB()
	publisher := events.NewPublisher(eventBroker, repository.NewEventRepo(db))

	metrics := observability.NewCollector(time.Hour, prometheus.DefaultRegisterer)

	audit, err := observability.NewAuditLogger(getEnv("AUDIT_DIR", "runtime/audit"))
	if err != nil {
		log.Fatalf("Failed to create audit logger: %v", err)
	}

	notifier := notify.NewService(cfg.Registry)

	detector, err := safety.NewDetector(getEnv("VIOLATIONS_DIR", "runtime/violations"),
		cfg.Registry, metrics, notifier)
	if err != nil {
		log.Fatalf("Failed to create violation detector: %v", err)
	}
	incidents := safety.NewIncidentManager(3)

	embeddingMetrics := embeddings.NewMetrics(prometheus.DefaultRegisterer)
	embeddingProvider, err := embeddings.NewCachedProvider(
		embeddings.NewLocalProvider(256),
		1000,
		getEnv("EMBEDDING_CACHE_DIR", ""),
		embeddingMetrics,
	)
	if err != nil {
		log.Fatalf("Failed to create embedding provider: %v", err)
	}
	index := embeddings.NewIndex(embeddingProvider)

	validator := tool.NewValidator(repository.NewToolRepo(db))
	engine := tool.NewEngine(tool.EngineConfig{
		Validator:  validator,
		Executions: repository.NewExecutionRepo(db),
		Appender:   publisher,
		Overrides: func(tenantID, toolName string) *tool.ToolOverride {
			policy, err := cfg.Registry.TenantPolicyAny(tenantID)
			if err != nil {
				return nil
			}
			o := policy.OverrideFor(toolName)
			if o == nil {
				return nil
			}
			return &tool.ToolOverride{TimeoutSeconds: o.TimeoutSeconds, MaxRetries: o.MaxRetries}
		},
	})

	executor := playbook.NewExecutionService(
		repository.NewExceptionRepo(db),
		repository.NewPlaybookRepo(db),
		repository.NewEventRepo(db),
		publisher,
		engine,
	)

	deps := worker.Deps{
		DB:         db,
		Broker:     eventBroker,
		Publisher:  publisher,
		Registry:   cfg.Registry,
		Triage:     agent.NewTriageAgent(cfg.Registry, similarityAdapter{index}),
		Policy:     agent.NewPolicyAgent(cfg.Registry),
		Resolution: agent.NewResolutionAgent(cfg.Registry, repository.NewPlaybookRepo(db)),
		Supervisor: agent.NewSupervisorAgent(cfg.Registry),
		Detector:   detector,
		Incidents:  incidents,
		Metrics:    metrics,
		Audit:      audit,
		Executor:   executor,
		Engine:     engine,
		Index:      index,
	}
	pool := worker.NewPool(30*time.Second, worker.NewPipelineWorkers(deps)...)
	log.Println("✓ Pipeline workers initialized")

	evaluator := observability.NewEvaluator(metrics, func() map[string]bool {
		states := engine.BreakerStates()
		out := make(map[string]bool, len(states))
		for key, state := range states {
			out[key] = state == tool.CircuitOpen
		}
		return out
	}, notifier, nil)

	staleAfter, _ := time.ParseDuration(getEnv("LEDGER_STALE_AFTER", "5m"))
	maintenance := worker.NewMaintenance(db, evaluator, cfg.Registry, staleAfter)
	if err := maintenance.Start(ctx); err != nil {
		log.Fatalf("Failed to start maintenance jobs: %v", err)
	}
	defer maintenance.Stop()

	server := api.NewServer(db, eventBroker, publisher, executor, cfg.Registry)
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP server listening on :%s", httpPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Blocks until SIGINT/SIGTERM; workers drain within the grace period.
	pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Redress stopped")
}
