package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/audit"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/blacklist"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/breaker"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/confirm"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/executor"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/gatekeeper"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/httpx"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/identity"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/jobs"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/policy"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/ratelimit"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/resource"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/store"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/stream"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/telemetry"
)

// Server carries the wired gateway and the HTTP-surface knobs.
type Server struct {
	Gatekeeper          *gatekeeper.Gatekeeper
	Metrics             *metrics.Registry
	Events              *stream.Hub
	APIToken            string
	MaxRequestBodyBytes int64
	RecentJobsLimit     int
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = store.NewPostgresPool
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		log.Printf("postgres unavailable, using in-memory job store: %v", err)
		pool = nil
	}
	if pool != nil {
		defer pool.Close()
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	reg := metrics.NewRegistry()
	hub := stream.NewHub()

	resolver := identity.NewResolver(identity.Config{
		Admins:       identity.SplitList(env("ADMIN_IDS", "")),
		Overrides:    identity.ParseOverrides(env("TIER_OVERRIDES", "")),
		Channels:     identity.SplitList(env("CHANNEL_WHITELIST", "")),
		DefaultTier:  models.ParseTier(env("DEFAULT_TIER", "L1"), models.TierL1),
		AllowUnknown: env("ALLOW_UNKNOWN_CALLERS", "false") == "true",
	})

	rules := blacklist.NewDefault()
	if path := strings.TrimSpace(env("BLACKLIST_FILE", "")); path != "" {
		rules, err = blacklist.LoadFile(path)
		if err != nil {
			return err
		}
	}

	sampler := resource.NewProcSampler()
	gate := policy.NewGate(resolver, sampler, rules, reg)
	gate.SilentUnauthorized = env("SILENT_UNAUTHORIZED", "true") != "false"
	confirms := confirm.NewRegistry(cache, envDurationSec("CONFIRM_TTL_SEC", 300), reg)

	var upstream *breaker.Client
	endpoints := identity.SplitList(env("GATEWAY_URL", ""))
	if backup := strings.TrimSpace(env("GATEWAY_BACKUP_URL", "")); backup != "" {
		endpoints = append(endpoints, backup)
	}
	if len(endpoints) > 0 {
		upstream = breaker.NewClient(
			endpoints,
			env("GATEWAY_TOKEN", ""),
			time.Millisecond*time.Duration(envInt("GATEWAY_TIMEOUT_MS", 10000)),
			reg,
		)
		upstream.HTTPClient = telemetry.InstrumentClient(upstream.HTTPClient)
	}

	backends := buildBackends(env("EXECUTOR_BACKENDS", "codex,gemini,shell"), env("DOWNGRADE_USER", ""))

	var jobStore jobs.Store = jobs.NewMemoryStore()
	if pool != nil {
		pg := &jobs.PostgresStore{DB: pool}
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		jobStore = pg
	}

	recorder, err := buildAuditRecorder(ctx, pool, reg)
	if err != nil {
		return err
	}
	recorder.Start(ctx)

	var limiter ratelimit.Limiter
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, window)
		} else {
			limiter = ratelimit.NewInMemory(window)
		}
	}

	gk := gatekeeper.New(gatekeeper.Options{
		Gate:               gate,
		Confirms:           confirms,
		Upstream:           upstream,
		JobStore:           jobStore,
		Backends:           backends,
		Blacklist:          rules,
		Sampler:            sampler,
		RunTimeout:         envDurationSec("JOB_TIMEOUT_SEC", 45),
		QueueCapacity:      envInt("QUEUE_CAPACITY", 16),
		Audit:              recorder,
		Limiter:            limiter,
		RateLimit:          envInt("RATE_LIMIT_PER_WINDOW", 30),
		Hub:                hub,
		Metrics:            reg,
		ConfiguredParallel: envInt("PARALLEL_TURNS", 1),
	})
	gk.Start(ctx)

	s := &Server{
		Gatekeeper:          gk,
		Metrics:             reg,
		Events:              hub,
		APIToken:            env("API_TOKEN", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		RecentJobsLimit:     envInt("RECENT_JOBS_LIMIT", 50),
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.TraceIDMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(httpx.BearerAuthMiddleware(s.APIToken))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/actions", s.handleSubmitAction)
	authRouter.Post("/v1/actions/confirm", s.handleConfirm)
	authRouter.Get("/v1/jobs", s.handleRecentJobs)
	authRouter.Get("/v1/jobs/{job_id}", s.handleJobStatus)
	authRouter.Post("/v1/jobs/{job_id}/cancel", s.handleCancelJob)
	authRouter.Get("/v1/diagnostics", s.handleDiagnostics)
	authRouter.Get("/v1/stream", s.streamEvents)
	r.Mount("/", authRouter)
	return r
}

func buildBackends(raw, downgradeUser string) []executor.Backend {
	var out []executor.Backend
	for _, name := range identity.SplitList(raw) {
		switch strings.ToLower(name) {
		case "codex":
			out = append(out, &executor.CLIBackend{BackendName: "codex", Binary: "codex", PromptArgs: []string{"exec"}})
		case "gemini":
			out = append(out, &executor.CLIBackend{BackendName: "gemini", Binary: "gemini", PromptArgs: []string{"-p"}})
		case "shell":
			out = append(out, &executor.ShellBackend{DowngradeUser: downgradeUser})
		default:
			log.Printf("unknown executor backend %q ignored", name)
		}
	}
	if len(out) == 0 {
		out = append(out, &executor.ShellBackend{DowngradeUser: downgradeUser})
	}
	return out
}

func buildAuditRecorder(ctx context.Context, pool *pgxpool.Pool, reg *metrics.Registry) (*audit.Recorder, error) {
	var sinks []audit.Sink
	if pool != nil {
		pg := audit.NewPostgresSink(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if path := strings.TrimSpace(env("AUDIT_JSONL_PATH", "audit.jsonl")); path != "" {
		sinks = append(sinks, audit.NewJSONLSink(path))
	}
	if brokers := identity.SplitList(env("AUDIT_KAFKA_BROKERS", "")); len(brokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: brokers,
			Topic:   env("AUDIT_KAFKA_TOPIC", "gatekeeper.audit"),
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, kafkaSink)
	}
	return audit.NewRecorder(sinks, envInt("AUDIT_BUFFER", 256), reg), nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker beneath, which the
// websocket upgrade on /v1/stream needs.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
