package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"steeple-core-chms-sync-layer/internal/application"
	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/infrastructure/chms"
	"steeple-core-chms-sync-layer/internal/infrastructure/encryption"
	"steeple-core-chms-sync-layer/internal/infrastructure/metrics"
	"steeple-core-chms-sync-layer/internal/infrastructure/ratelimit"
	"steeple-core-chms-sync-layer/internal/infrastructure/redisstore"
	"steeple-core-chms-sync-layer/internal/infrastructure/repository"
	"steeple-core-chms-sync-layer/internal/infrastructure/token"
	"steeple-core-chms-sync-layer/internal/infrastructure/workflow"
	"steeple-core-chms-sync-layer/internal/ports"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	workflowPull = "chms.pull"
	workflowPush = "chms.push"
)

func main() {
	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("⚠️  Warning: .env file not found")
	}

	// Get configuration from environment
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	appURL := os.Getenv("APP_URL")
	if appURL == "" {
		appURL = "http://localhost:8080"
	}

	// Connect to MongoDB
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(mongoURI))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer client.Disconnect(context.Background())

	db := client.Database(os.Getenv("MONGODB_DATABASE"))

	// Connect to Redis (rate-limit counters and refresh locks)
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()

	// Get encryption key
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		logger.Fatal().Msg("ENCRYPTION_KEY environment variable is required")
	}

	// Initialize infrastructure (implementations)
	encryptionService, err := encryption.NewService(encryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}

	// Initialize repositories
	linkRepo := repository.NewMongoLinkRepository(db)
	tokenRepo := repository.NewMongoTokenRepository(db)
	runRepo := repository.NewMongoRunRepository(db)
	entityStore := repository.NewMongoEntityStore(db)
	mutationFeed := repository.NewMongoMutationFeed(db)

	// Initialize metrics and rate limiter
	collector := metrics.NewCollector()
	counterStore := redisstore.NewCounterStore(redisClient)
	limiter := ratelimit.NewLimiter(counterStore, logger)
	limiter.SetDelayObserver(collector.ObserveRateLimitDelay)

	// Initialize token lifecycle manager
	refreshLock := redisstore.NewRefreshLock(redisClient)
	tokenManager := token.NewManager(tokenRepo, encryptionService, refreshLock, logger)

	// Initialize adapter registry and the Planning Center adapter
	adapters := application.NewAdapterRegistry(logger)
	pco := application.NewPCOAdapter()
	if err := adapters.Register(pco); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register pco adapter")
	}

	pcoBaseURL := os.Getenv("PCO_BASE_URL")
	if pcoBaseURL == "" {
		pcoBaseURL = "https://api.planningcenteronline.com/people/v2"
	}
	pcoTokenURL := os.Getenv("PCO_TOKEN_URL")
	if pcoTokenURL == "" {
		pcoTokenURL = "https://api.planningcenteronline.com/oauth/token"
	}
	pcoAuthURL := os.Getenv("PCO_AUTHORIZE_URL")
	if pcoAuthURL == "" {
		pcoAuthURL = "https://api.planningcenteronline.com/oauth/authorize"
	}

	tokenManager.RegisterAdapter(pco.Name, token.OAuthConfig{
		TokenURL:     pcoTokenURL,
		ClientID:     os.Getenv("PCO_CLIENT_ID"),
		ClientSecret: os.Getenv("PCO_CLIENT_SECRET"),
	})

	// Planning Center allows 100 requests per 20 seconds per token.
	pcoBucket := "pco-api"
	limiter.RegisterBucket(domain.RateLimitBucket{
		Key:    pcoBucket,
		Window: envDuration("PCO_RATE_WINDOW", 20*time.Second),
		Limit:  envInt64("PCO_RATE_LIMIT", 100),
	})

	pcoClient := chms.NewClient(pco.Name, pcoBaseURL, pcoBucket, limiter, logger)

	// Initialize reconciler and orchestrator
	reconciler := application.NewReconciler(linkRepo, entityStore, logger)
	orchestrator := application.NewOrchestrator(
		adapters,
		tokenManager,
		reconciler,
		runRepo,
		mutationFeed,
		linkRepo,
		func(c ports.SourceClient, accessToken domain.RedactedString, entityType string) ports.Pager {
			return chms.NewPager(c, accessToken, entityType)
		},
		collector,
		logger,
	)
	orchestrator.RegisterClient(pco.Name, pcoClient)

	// Register the two workflow contracts with the executing collaborator
	registry := workflow.NewRegistry()
	err = registry.Register(workflow.Definition{
		Name:    workflowPull,
		Version: "v1",
		IdempotencyKey: func(p workflow.Payload) string {
			return application.PullIdempotencyKey(p.Adapter, p.TokenKey, time.Now())
		},
		Run: func(ctx context.Context, p workflow.Payload) error {
			_, err := orchestrator.RunPull(ctx, p.Adapter, p.TokenKey)
			return err
		},
		Classify: workflow.ClassifyDefault,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register pull workflow")
	}
	err = registry.Register(workflow.Definition{
		Name:    workflowPush,
		Version: "v1",
		IdempotencyKey: func(p workflow.Payload) string {
			return application.PushIdempotencyKey(p.BatchID)
		},
		Run: func(ctx context.Context, p workflow.Payload) error {
			_, err := orchestrator.PushFromFeed(ctx, p.Adapter, p.TokenKey, p.BatchID)
			return err
		},
		Classify: workflow.ClassifyDefault,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register push workflow")
	}
	runner := workflow.NewRunner(registry, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	// Health check - must be public for monitoring
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// Prometheus metrics
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))

	// Sync triggers and run status
	r.Post("/sync/{adapter}/pull", pullHandler(runner, logger))
	r.Post("/sync/{adapter}/push", pushHandler(runner, logger))
	r.Get("/sync/runs", listRunsHandler(runRepo, logger))
	r.Get("/sync/runs/{id}", getRunHandler(runRepo, logger))

	// OAuth connect flow for the initial authorization_code grant
	states := newStateStore()
	r.Get("/auth/{adapter}", oauthInitHandler(states, pcoAuthURL, appURL, logger))
	r.Get("/auth/{adapter}/callback", oauthCallbackHandler(states, tokenManager, pcoTokenURL, appURL, logger))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info().Str("port", port).Msg("Starting sync API server")
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}
}

// pullHandler triggers a pull run for an adapter.
func pullHandler(runner *workflow.Runner, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapter := chi.URLParam(r, "adapter")
		orgID := r.URL.Query().Get("org")
		if orgID == "" {
			http.Error(w, "org parameter is required", http.StatusBadRequest)
			return
		}

		payload := workflow.Payload{
			Adapter:  adapter,
			TokenKey: domain.TokenKeyFor(adapter, orgID),
		}
		if err := runner.Execute(r.Context(), workflowPull, payload); err != nil {
			logger.Error().Err(err).Str("adapter", adapter).Msg("Pull run failed")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
	}
}

// pushHandler triggers a push run over the next mutation batch.
func pushHandler(runner *workflow.Runner, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapter := chi.URLParam(r, "adapter")
		orgID := r.URL.Query().Get("org")
		if orgID == "" {
			http.Error(w, "org parameter is required", http.StatusBadRequest)
			return
		}

		payload := workflow.Payload{
			Adapter:  adapter,
			TokenKey: domain.TokenKeyFor(adapter, orgID),
			BatchID:  uuid.NewString(),
		}
		if err := runner.Execute(r.Context(), workflowPush, payload); err != nil {
			logger.Error().Err(err).Str("adapter", adapter).Msg("Push run failed")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "completed", "batch_id": payload.BatchID})
	}
}

// listRunsHandler returns recent sync runs for operators.
func listRunsHandler(runs ports.RunRepository, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		result, err := runs.ListRuns(r.Context(), r.URL.Query().Get("adapter"), limit)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to list runs")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(result)
	}
}

// getRunHandler returns one sync run by ID.
func getRunHandler(runs ports.RunRepository, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.GetRun(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			logger.Error().Err(err).Msg("Failed to get run")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(run)
	}
}

// stateStore holds pending OAuth states for CSRF protection.
type stateStore struct {
	mu     sync.Mutex
	states map[string]string // state -> orgID
}

func newStateStore() *stateStore {
	return &stateStore{states: make(map[string]string)}
}

func (s *stateStore) put(state, orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = orgID
}

func (s *stateStore) take(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgID, ok := s.states[state]
	delete(s.states, state)
	return orgID, ok
}

// oauthInitHandler initiates the OAuth flow for an adapter.
func oauthInitHandler(states *stateStore, authorizeURL, appURL string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapter := chi.URLParam(r, "adapter")
		orgID := r.URL.Query().Get("org")
		if orgID == "" {
			http.Error(w, "org parameter is required", http.StatusBadRequest)
			return
		}

		// Generate random state for CSRF protection
		stateBytes := make([]byte, 16)
		if _, err := rand.Read(stateBytes); err != nil {
			logger.Error().Err(err).Msg("Failed to generate state")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		state := hex.EncodeToString(stateBytes)
		states.put(state, orgID)

		redirectURI := fmt.Sprintf("%s/auth/%s/callback", appURL, adapter)
		authURL := fmt.Sprintf(
			"%s?client_id=%s&redirect_uri=%s&response_type=code&scope=people+giving&state=%s",
			authorizeURL,
			url.QueryEscape(os.Getenv("PCO_CLIENT_ID")),
			url.QueryEscape(redirectURI),
			state,
		)
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// oauthCallbackHandler exchanges the authorization code and stores the
// initial token state.
func oauthCallbackHandler(states *stateStore, tokenManager *token.Manager, tokenURL, appURL string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapter := chi.URLParam(r, "adapter")
		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")
		if code == "" || state == "" {
			http.Error(w, "Missing required parameters", http.StatusBadRequest)
			return
		}

		orgID, ok := states.take(state)
		if !ok {
			http.Error(w, "Invalid state", http.StatusUnauthorized)
			return
		}

		redirectURI := fmt.Sprintf("%s/auth/%s/callback", appURL, adapter)
		grant, err := exchangeCode(r.Context(), tokenURL, code, redirectURI)
		if err != nil {
			logger.Error().Err(err).Str("adapter", adapter).Msg("Failed to exchange authorization code")
			http.Error(w, "Failed to complete connection", http.StatusInternalServerError)
			return
		}

		tokenState := &domain.TokenState{
			AccessToken:  domain.RedactedString(grant.AccessToken),
			RefreshToken: domain.RedactedString(grant.RefreshToken),
			CreatedAt:    time.Now(),
			ExpiresIn:    time.Duration(grant.ExpiresIn) * time.Second,
			TokenKey:     domain.TokenKeyFor(adapter, orgID),
			Adapter:      adapter,
			OrgID:        orgID,
		}
		if err := tokenManager.StoreGrant(r.Context(), tokenState); err != nil {
			logger.Error().Err(err).Str("adapter", adapter).Msg("Failed to store token grant")
			http.Error(w, "Failed to complete connection", http.StatusInternalServerError)
			return
		}

		logger.Info().
			Str("adapter", adapter).
			Str("org", orgID).
			Msg("Source system connected")

		json.NewEncoder(w).Encode(map[string]string{"status": "connected", "adapter": adapter})
	}
}

type grantResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// exchangeCode posts the authorization_code grant to the token endpoint.
func exchangeCode(ctx context.Context, tokenURL, code, redirectURI string) (*grantResponse, error) {
	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("code", code)
	values.Set("redirect_uri", redirectURI)
	values.Set("client_id", os.Getenv("PCO_CLIENT_ID"))
	values.Set("client_secret", os.Getenv("PCO_CLIENT_SECRET"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var grant grantResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &grant, nil
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return fallback
}

func envInt64(name string, fallback int64) int64 {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
