package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/qrsouther/blueprintsync/internal/blueprint"
	"github.com/qrsouther/blueprintsync/internal/confluence"
	"github.com/qrsouther/blueprintsync/internal/httpapi"
	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

func main() {
	addr := os.Getenv("BLUEPRINTSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := buildLoggerFromEnv()

	store, queue, err := buildStorageBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}

	policy, policyPath, err := loadPolicyFromEnv()
	if err != nil {
		log.Fatalf("failed to load policy: %v", err)
	}

	engine, err := blueprint.NewEngine(blueprint.Options{
		Store:          store,
		Pages:          buildPageClientFromEnv(),
		Queue:          queue,
		Logger:         logger,
		Policy:         policy,
		Workers:        intEnv("BLUEPRINTSYNC_WORKERS", 0),
		JobTimeout:     durationEnv("BLUEPRINTSYNC_JOB_TIMEOUT", 0),
		BackupPageSize: intEnv("BLUEPRINTSYNC_BACKUP_PAGE_SIZE", 0),
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer engine.Close()

	if policyPath != "" {
		watcher, err := blueprint.NewPolicyWatcher(policyPath, logger, engine.ApplyPolicy)
		if err != nil {
			log.Fatalf("failed to watch policy file: %v", err)
		}
		defer watcher.Close()
	}

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("BLUEPRINTSYNC_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("BLUEPRINTSYNC_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("BLUEPRINTSYNC_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("BLUEPRINTSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("BLUEPRINTSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("BLUEPRINTSYNC_MAX_BODY_BYTES", 0),
		StreamInterval:     durationEnv("BLUEPRINTSYNC_STREAM_INTERVAL", 0),
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("blueprintsync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func buildLoggerFromEnv() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_LOG_FORMAT"))) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func loadPolicyFromEnv() (blueprint.Policy, string, error) {
	path := strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_POLICY_FILE"))
	if path == "" {
		return blueprint.DefaultPolicy(), "", nil
	}
	policy, err := blueprint.LoadPolicyFile(path)
	if err != nil {
		return blueprint.Policy{}, "", err
	}
	return policy, path, nil
}

func buildPageClientFromEnv() blueprint.PageService {
	baseURL := strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_CONFLUENCE_BASE_URL"))
	if baseURL == "" {
		return nil
	}
	return confluence.NewClient(confluence.ClientOptions{
		BaseURL:       baseURL,
		TokenProvider: confluence.StaticTokenProvider(os.Getenv("BLUEPRINTSYNC_CONFLUENCE_TOKEN")),
		UserAgent:     "blueprintsync/1.0",
	})
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStorageBackendsFromEnv() (kvstore.Store, blueprint.JobQueue, error) {
	if _, _, err := storageProfileDefaultsFromEnv(); err != nil {
		return nil, nil, err
	}
	store, err := buildStoreFromEnv()
	if err != nil {
		return nil, nil, err
	}
	queue, err := buildQueueFromEnv()
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, err
	}
	return store, queue, nil
}

func buildStoreFromEnv() (kvstore.Store, error) {
	profileStoreDSN, _, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	storeDSN := strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_STORE_DSN"))
	switch {
	case storeDSN != "":
		return kvstore.BuildStore(storeDSN)
	case profileStoreDSN != "":
		return kvstore.BuildStore(profileStoreDSN)
	default:
		return kvstore.NewMemoryStore(), nil
	}
}

func buildQueueFromEnv() (blueprint.JobQueue, error) {
	_, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	capacity := intEnv("BLUEPRINTSYNC_QUEUE_CAPACITY", 0)
	queueDSN := strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_QUEUE_DSN"))
	switch {
	case queueDSN != "":
		return blueprint.BuildJobQueue(queueDSN, capacity)
	case profileQueueDSN != "":
		return blueprint.BuildJobQueue(profileQueueDSN, capacity)
	default:
		return blueprint.NewInMemoryJobQueue(capacity), nil
	}
}

func storageProfileDefaultsFromEnv() (storeDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".blueprintsync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("BLUEPRINTSYNC_PRODUCTION_DSN or BLUEPRINTSYNC_POSTGRES_DSN is required when BLUEPRINTSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "badger://" + filepath.Join(dataDir, "store"),
			"file://" + filepath.Join(dataDir, "reconcile-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported BLUEPRINTSYNC_BACKEND_PROFILE: %s", profile)
	}
}
