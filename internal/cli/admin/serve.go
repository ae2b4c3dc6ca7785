package admin

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clearbridge/guardrail/internal/api/handlers"
	"github.com/clearbridge/guardrail/internal/breaker"
	"github.com/clearbridge/guardrail/internal/budget"
	"github.com/clearbridge/guardrail/internal/config"
	"github.com/clearbridge/guardrail/internal/database"
	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/jobs"
	"github.com/clearbridge/guardrail/internal/openai"
	"github.com/clearbridge/guardrail/internal/ratelimit"
	"github.com/clearbridge/guardrail/internal/repository"
	"github.com/clearbridge/guardrail/internal/server"
	"github.com/clearbridge/guardrail/internal/service"
	"github.com/clearbridge/guardrail/internal/storage"
	"github.com/clearbridge/guardrail/internal/telemetry"
	"github.com/clearbridge/guardrail/internal/vector"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the guardrail API server and the embedding worker",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "8080", "Port to listen on")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().Bool("no-worker", false, "Do not start the background embedding worker")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize Sentry with tracing if SENTRY_DSN is set
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		environment := os.Getenv("ENVIRONMENT")
		if environment == "" {
			environment = "development"
		}

		// Default to 10% sampling in production, 100% in development
		sampleRate := 0.1
		if environment == "development" {
			sampleRate = 1.0
		}

		shutdownTelemetry, err := telemetry.Init(telemetry.Config{
			DSN:              dsn,
			Environment:      environment,
			TracesSampleRate: sampleRate,
		})
		if err != nil {
			log.Printf("telemetry init failed (continuing without tracing): %v", err)
		} else {
			defer shutdownTelemetry()
		}
	}

	portFlag, _ := cmd.Flags().GetString("port")
	if portFlag != "" && portFlag != "8080" {
		cfg.Port = portFlag
	}

	pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	log.Println("connected to database")

	// Run migrations unless --no-migrate flag is set
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	if !noMigrate {
		if err := runMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	entryRepo := repository.NewEntryRepository(pool)
	snapshotRepo := repository.NewSnapshotRepository(pool)
	jobRepo := repository.NewEmbeddingJobRepository(pool)
	orgRepo := repository.NewOrgRepository(pool)
	apiKeyRepo := repository.NewAPIKeyRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	cacheRepo := repository.NewResponseCacheRepository(pool)
	txRunner := repository.NewTxRunner(pool)

	if cfg.InitOrgName != "" {
		if err := bootstrapInitialOrg(ctx, cfg, orgRepo, apiKeyRepo); err != nil {
			return fmt.Errorf("failed to bootstrap initial org: %w", err)
		}
	}

	breakers := breaker.NewRegistry(repository.NewCircuitStateRepository(pool), breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
		CooldownMax:      cfg.BreakerCooldownMax,
	})

	budgetLedger := budget.New(repository.NewBudgetLedgerRepository(pool), budget.Config{
		HardCap:    cfg.BudgetDailyCap,
		SoftRatio:  cfg.BudgetSoftRatio,
		KillSwitch: cfg.BudgetKillSwitch,
	})

	limiter := ratelimit.New(repository.NewRateLimitRepository(pool), map[string]ratelimit.Rule{
		ratelimit.ScopeWrite: {Limit: cfg.WriteLimit, Window: cfg.WriteWindow},
		ratelimit.ScopeEmbed: {Limit: cfg.EmbedLimit, Window: cfg.EmbedWindow},
		ratelimit.ScopeAdmin: {Limit: cfg.AdminLimit, Window: cfg.AdminWindow},
	})

	var embeddingClient service.EmbeddingClient
	if cfg.HasOpenAI() {
		embeddingClient = openai.NewClient(cfg.OpenAIAPIKey)
	} else {
		log.Println("no OPENAI_API_KEY set: duplicate detection degrades, embedding jobs stay queued")
		embeddingClient = unconfiguredEmbeddingClient{}
	}

	index := vector.NewPgIndex(pool)

	detector := service.NewDuplicateDetector(embeddingClient, index, breakers, budgetLedger, limiter, service.DetectorConfig{
		Threshold:        cfg.DuplicateThreshold,
		TopK:             cfg.DuplicateTopK,
		EmbeddingVersion: cfg.EmbeddingVersion,
		EmbedCost:        cfg.EmbedCost,
		ProviderTimeout:  cfg.ProviderTimeout,
	})

	auditor := service.NewAuditEmitter(auditRepo)
	cacheSvc := service.NewCacheService(cacheRepo)

	var archiver service.SnapshotArchiver
	if cfg.HasS3() {
		s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    true,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		log.Printf("snapshot archive bucket '%s' ready", cfg.S3Bucket)
		archiver = &snapshotArchiveAdapter{client: s3Client}
	}

	lifecycleSvc := service.NewLifecycleService(service.LifecycleDeps{
		TxRunner:        txRunner,
		Entries:         entryRepo,
		Snapshots:       snapshotRepo,
		Jobs:            jobRepo,
		Detector:        detector,
		Cache:           cacheSvc,
		Auditor:         auditor,
		Archiver:        archiver,
		RestrictedTerms: cfg.RestrictedTerms,
	})

	embeddingSvc := service.NewEmbeddingService(embeddingClient, index, breakers, entryRepo, service.EmbedConfig{
		EmbeddingVersion: cfg.EmbeddingVersion,
		ProviderTimeout:  cfg.ProviderTimeout,
	})

	embeddingProcessor := jobs.NewEmbeddingWorker(jobRepo, entryRepo, embeddingSvc, breakers, budgetLedger, limiter, auditor, jobs.WorkerConfig{
		BatchSize:         cfg.WorkerBatchSize,
		MaxAttempts:       cfg.MaxEmbedAttempts,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		ProcessingTimeout: cfg.ProcessingTimeout,
		EmbedCost:         cfg.EmbedCost,
	})

	var embeddingWorker *jobs.Worker
	noWorker, _ := cmd.Flags().GetBool("no-worker")
	if cfg.HasOpenAI() && !noWorker {
		embeddingWorker = jobs.NewWorker(embeddingProcessor, cfg.WorkerPoll)
		go embeddingWorker.Start(ctx)
		log.Println("embedding worker started")
	}

	driftScanner := service.NewDriftScanner(entryRepo, auditor, service.DriftConfig{
		MaxAge:  cfg.DriftMaxAge,
		Horizon: cfg.DriftHorizon,
	})

	authSvc := service.NewAuthService(orgRepo, apiKeyRepo, &service.DefaultUUIDGenerator{})

	router := server.NewRouter(server.RouterConfig{
		ActorResolver:    authSvc,
		Limiter:          limiter,
		KnowledgeHandler: handlers.NewKnowledgeHandler(lifecycleSvc),
		AdminHandler:     handlers.NewAdminHandler(breakers, embeddingProcessor, driftScanner, cacheSvc, auditRepo, auditor),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	if embeddingWorker != nil {
		embeddingWorker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("server exited")
	return nil
}

// snapshotArchiveAdapter makes the S3 archive best-effort: an upload
// failure is logged and never blocks the commit that produced the snapshot.
type snapshotArchiveAdapter struct {
	client *storage.S3Client
}

func (a *snapshotArchiveAdapter) ArchiveSnapshot(ctx context.Context, orgID string, snap *domain.VersionSnapshot) {
	if err := a.client.ArchiveSnapshot(ctx, orgID, snap); err != nil {
		log.Printf("snapshot archive for entry %s v%d failed: %v", snap.EntryID, snap.Version, err)
	}
}

// unconfiguredEmbeddingClient stands in when no provider key is set. Every
// call fails as a provider error, which the duplicate detector degrades
// past and the worker retries against.
type unconfiguredEmbeddingClient struct{}

func (unconfiguredEmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, &domain.ProviderCallError{
		Provider: domain.ProviderEmbedding,
		Err:      fmt.Errorf("embedding provider not configured: OPENAI_API_KEY required"),
	}
}

func bootstrapInitialOrg(ctx context.Context, cfg *config.Config, orgRepo *repository.OrgRepository, apiKeyRepo *repository.APIKeyRepository) error {
	org, err := orgRepo.GetByName(ctx, cfg.InitOrgName)
	if err != nil && err != domain.ErrOrganizationNotFound {
		return fmt.Errorf("failed to check existing org: %w", err)
	}

	authSvc := service.NewAuthService(orgRepo, apiKeyRepo, &service.DefaultUUIDGenerator{})

	if org == nil {
		org, err = authSvc.CreateOrg(ctx, cfg.InitOrgName)
		if err != nil {
			return fmt.Errorf("failed to create org: %w", err)
		}
		log.Printf("bootstrap: created organization '%s' (id: %s)", org.Name, org.ID)
	} else {
		log.Printf("bootstrap: organization '%s' already exists (id: %s)", org.Name, org.ID)
	}

	if cfg.InitAPIKey != "" {
		if !service.IsValidAPIToken(cfg.InitAPIKey) {
			return fmt.Errorf("invalid GUARDRAIL_INIT_API_KEY format (expected 'grd_<64 hex chars>')")
		}

		keys, err := apiKeyRepo.GetByOrgID(ctx, org.ID)
		if err != nil {
			return fmt.Errorf("failed to list existing keys: %w", err)
		}
		for _, k := range keys {
			if k.Name == "bootstrap" && !k.IsRevoked() {
				log.Printf("bootstrap: API key already exists (id: %s)", k.ID)
				return nil
			}
		}

		if err := authSvc.CreateAPIKeyWithToken(ctx, org.ID, "bootstrap", cfg.InitAPIKey, domain.RoleOwner); err != nil {
			return fmt.Errorf("failed to create API key: %w", err)
		}
		log.Printf("bootstrap: created owner API key")
	}

	return nil
}

func runMigrations(databaseURL string) error {
	// golang-migrate drives a database/sql connection, not the pgx pool
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://migrations",
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if err == migrate.ErrNilVersion {
		log.Println("migrations: database is up to date (no migrations applied)")
	} else if dirty {
		return fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	} else if err == migrate.ErrNoChange {
		log.Printf("migrations: database is up to date (version %d)", version)
	} else {
		log.Printf("migrations: applied successfully (version %d)", version)
	}

	return nil
}
