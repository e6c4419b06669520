package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/cache"
	"github.com/otcheredev/dicom-archive-core/internal/config"
	"github.com/otcheredev/dicom-archive-core/internal/database"
	"github.com/otcheredev/dicom-archive-core/internal/fuzzy"
	"github.com/otcheredev/dicom-archive-core/internal/handlers"
	"github.com/otcheredev/dicom-archive-core/internal/middleware"
	"github.com/otcheredev/dicom-archive-core/internal/query"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
	"github.com/otcheredev/dicom-archive-core/internal/services"
	"github.com/otcheredev/dicom-archive-core/internal/store"
	"github.com/otcheredev/dicom-archive-core/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicom-archive",
		Short: "DICOM archive metadata server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the archive API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the archive tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := connect(cfg); err != nil {
				return err
			}
			defer database.Close()
			return database.AutoMigrate()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func connect(cfg *config.Config) error {
	return database.Connect(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
		MaxConns: cfg.Database.MaxConns,
	})
}

func newCache(cfg *config.Config) (cache.Cache, io.Closer, error) {
	if !cfg.Cache.Enabled {
		log.Info().Msg("Key cache disabled")
		return nil, nil, nil
	}
	if cfg.Cache.Type == "redis" {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		c, err := cache.NewRedisCache(cache.RedisOptions{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", addr).Msg("Redis cache initialized")
		return c, c, nil
	}
	c := cache.NewMemoryCache()
	log.Info().Msg("Memory cache initialized")
	return c, c, nil
}

func runServer(cfg *config.Config) error {
	log.Info().Str("backend", cfg.Archive.StorageBackend).Msg("Starting DICOM archive")

	var (
		backend repository.Backend
		auditor services.Auditor
		db      *gorm.DB
	)
	switch cfg.Archive.StorageBackend {
	case "postgres":
		if err := connect(cfg); err != nil {
			return err
		}
		defer database.Close()
		db = database.DB
		backend = repository.NewPostgres(db)
		auditor = repository.NewAuditRepository()
	default:
		backend = repository.NewMemory()
		log.Warn().Msg("Using in-memory backend; archive contents are lost on exit and lookups scan whole tables")
	}

	keyCache, closer, err := newCache(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	// Validate has checked all of these.
	fz, _ := fuzzy.ByName(cfg.Archive.FuzzyAlgorithm)
	levels, _ := cfg.Archive.Levels()
	filters, _ := cfg.Archive.Filters()

	storeEngine := store.NewEngine(backend, store.Config{
		Filters:                filters,
		Fuzzy:                  fz,
		MaxAttempts:            cfg.Archive.StoreRetries,
		DefaultPatientIssuer:   cfg.Archive.PatientIssuer(),
		DefaultAccessionIssuer: cfg.Archive.AccessionIssuer(),
		KeyCache:               keyCache,
		KeyCacheTTL:            cfg.Cache.TTL,
	})
	queryEngine := query.NewEngine(backend, query.Config{
		Filters:                filters,
		Fuzzy:                  fz,
		Levels:                 levels,
		DefaultPatientIssuer:   cfg.Archive.PatientIssuer(),
		DefaultAccessionIssuer: cfg.Archive.AccessionIssuer(),
	})
	archiveService := services.NewArchiveService(queryEngine, storeEngine, auditor, archive.QueryOptions{
		MatchUnknown:     cfg.Archive.MatchUnknown,
		CombinedDateTime: cfg.Archive.CombinedDateTime,
	}, cfg.Archive.MaxResults)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newRouter(cfg, db, archiveService),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	}

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

func newRouter(cfg *config.Config, db *gorm.DB, archiveService *services.ArchiveService) http.Handler {
	healthHandler := handlers.NewHealthHandler(db)
	dicomwebHandler := handlers.NewDICOMWebHandler(archiveService)
	managementHandler := handlers.NewManagementHandler(archiveService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "Warning"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// QIDO-RS
	r.Route("/dicom-web", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth.JWTSecret))

		r.Get("/patients", dicomwebHandler.SearchPatients)
		r.Get("/studies", dicomwebHandler.SearchStudies)
		r.Get("/series", dicomwebHandler.SearchSeries)
		r.Get("/instances", dicomwebHandler.SearchInstances)
		r.Get("/studies/{studyUID}/series", dicomwebHandler.SearchSeries)
		r.Get("/studies/{studyUID}/instances", dicomwebHandler.SearchInstances)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances", dicomwebHandler.SearchInstances)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth.JWTSecret))

		r.Post("/instances", managementHandler.StoreInstances)
		r.Post("/instances/{instanceUID}/files", managementHandler.RegisterFile)
		r.Post("/locate", managementHandler.Locate)
		r.Post("/patients/merge", managementHandler.MergePatient)
		r.Post("/studies/{studyUID}/recalculate", managementHandler.RecalculateStudy)
		r.Post("/studies/{studyUID}/permissions", managementHandler.GrantPermission)
		r.Post("/series/{seriesUID}/recalculate", managementHandler.RecalculateSeries)
		r.Get("/audit/{resourceUID}", managementHandler.AuditTrail)
	})

	return r
}
