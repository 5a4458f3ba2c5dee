package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	gorilllaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deenChallengeAPI/handlers"
	"deenChallengeAPI/internal/timezone"
	"deenChallengeAPI/internal/workers"
	"deenChallengeAPI/middleware"
	"deenChallengeAPI/services"

	_ "net/http/pprof"
)

var (
	dbPool            *pgxpool.Pool
	tzResolver        *timezone.Resolver
	catalogService    *services.CatalogService
	progressService   *services.ProgressService
	reconcilerService *services.ReconcilerService
	reconcileInterval time.Duration
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	clerkSecretKey := os.Getenv("CLERK_SECRET_KEY")
	if clerkSecretKey == "" {
		log.Fatal("CLERK_SECRET_KEY environment variable is not set")
	}
	clerk.SetKey(clerkSecretKey)
	log.Println("Clerk initialized successfully")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		log.Fatal("Failed to parse database URL:", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	dbPool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatal("Failed to create connection pool:", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		log.Fatal("Failed to ping database:", err)
	}

	log.Println("Successfully connected to database")

	tzResolver, err = timezone.New(os.Getenv("APP_TIMEZONE"))
	if err != nil {
		log.Fatal("Failed to load app timezone:", err)
	}
	log.Printf("Logical days resolved in %s", tzResolver.Location())

	// Target enforcement is deliberately a flag: some clients hard-block
	// below-target submits, others confirm and allow them.
	enforceTarget := true
	if v := os.Getenv("ENFORCE_DAILY_TARGET"); v != "" {
		enforceTarget, err = strconv.ParseBool(v)
		if err != nil {
			log.Fatal("Invalid ENFORCE_DAILY_TARGET value:", v)
		}
	}

	reconcileInterval = 60 * time.Minute
	if v := os.Getenv("RECONCILE_INTERVAL_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes < 1 {
			log.Fatal("Invalid RECONCILE_INTERVAL_MINUTES value:", v)
		}
		reconcileInterval = time.Duration(minutes) * time.Minute
	}

	catalogService = services.NewCatalogService(dbPool)
	progressService = services.NewProgressService(dbPool, tzResolver, catalogService, enforceTarget)
	reconcilerService = services.NewReconcilerService(dbPool, tzResolver)

	middleware.InitPrometheus()
}

func main() {
	defer func() {
		log.Println("Closing database connection pool...")
		dbPool.Close()
	}()

	challengeHandler := handlers.NewChallengeHandler(catalogService, progressService)
	reconcilerHandler := handlers.NewReconcilerHandler(reconcilerService)

	reconcileWorker := workers.StartReconcileWorker(reconcilerService, reconcileInterval)

	r := mux.NewRouter()

	go middleware.CleanupVisitors()

	r.Use(middleware.RateLimitMiddleware)
	r.Use(middleware.MonitorMiddleware)

	r.Handle("/metrics", middleware.BasicAuthMiddleware(promhttp.Handler()))
	r.PathPrefix("/debug/pprof/").Handler(middleware.BasicAuthMiddleware(http.DefaultServeMux))
	r.Handle("/internal/reconcile", middleware.BasicAuthMiddleware(
		http.HandlerFunc(reconcilerHandler.TriggerReconcile))).Methods("POST")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := dbPool.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status": "unhealthy", "error": "database connection failed"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "deenChallenge-api"}`))
	}).Methods("GET")

	// -------------------------------------------------------------------------
	// API V1: everything below requires an authenticated user
	// -------------------------------------------------------------------------
	api := r.PathPrefix("/api/v1").Subrouter()

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.ClerkAuthMiddleware)

	protected.HandleFunc("/challenges", challengeHandler.ListChallenges).Methods("GET")
	protected.HandleFunc("/challenges/{id}", challengeHandler.GetChallenge).Methods("GET")
	protected.HandleFunc("/challenges/{id}/start", challengeHandler.StartChallenge).Methods("POST")

	protected.HandleFunc("/progress/streaks", challengeHandler.GetStreakOverview).Methods("GET")
	protected.HandleFunc("/progress/missed-summary", reconcilerHandler.GetMissedSummary).Methods("GET")
	protected.HandleFunc("/progress/{id}", challengeHandler.GetProgress).Methods("GET")
	protected.HandleFunc("/progress/{id}/complete", challengeHandler.CompleteDay).Methods("POST")
	protected.HandleFunc("/progress/{id}/restart", challengeHandler.RestartChallenge).Methods("POST")
	protected.HandleFunc("/progress/{id}/pause", challengeHandler.PauseChallenge).Methods("PUT")
	protected.HandleFunc("/progress/{id}/resume", challengeHandler.ResumeChallenge).Methods("PUT")

	protected.HandleFunc("/reconciler/last-sync", reconcilerHandler.GetLastSync).Methods("GET")

	corsHandler := gorilllaHandlers.CORS(
		gorilllaHandlers.AllowedOrigins([]string{"*"}),
		gorilllaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		gorilllaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		gorilllaHandlers.ExposedHeaders([]string{"Content-Length"}),
		gorilllaHandlers.AllowCredentials(),
	)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3333"
	}
	port = ":" + port

	server := http.Server{
		Addr:         port,
		Handler:      corsHandler(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Error starting server:", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	sig := <-sigChan
	log.Println("Got signal:", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	reconcileWorker.Stop()
	catalogService.Stop()

	log.Println("Server shutdown complete")
}
