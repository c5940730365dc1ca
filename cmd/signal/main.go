package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/ports"
	"meshconf/internal/core/services"
	apihttp "meshconf/internal/handlers/http"
	snapshots "meshconf/internal/infrastructure/backup"
	"meshconf/internal/infrastructure/distributed"
	"meshconf/internal/infrastructure/eventbus"
	"meshconf/internal/infrastructure/loadbalancer"
	"meshconf/internal/infrastructure/middleware"
	"meshconf/internal/infrastructure/monitoring"
	"meshconf/internal/infrastructure/repositories"
	signalws "meshconf/internal/infrastructure/signal"
	pkgbackup "meshconf/pkg/backup"
	"meshconf/pkg/config"
	"meshconf/pkg/logger"
	"meshconf/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/meshconf/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			log.Printf("Loaded config from: %s", path)
			break
		}
	}
	if err != nil {
		log.Printf("Could not load config from any path, using defaults")
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
	}

	// An empty or short HMAC secret must stop the process here, not at
	// the first token request.
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level).Sugar()
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: "meshconf",
			JaegerURL:   cfg.Tracing.JaegerEndpoint,
			Environment: "production",
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			zlog.Warnw("tracing init failed, continuing without", "error", err)
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	instanceID := cfg.Cluster.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	factory, err := repositories.NewRepositoryFactory(cfg, zlog)
	if err != nil {
		zlog.Fatalw("repository init failed", "error", err)
	}
	defer factory.Close()
	stateRepo := factory.CreateStateRepository()

	// Snapshot restore runs before the threat service boots so restored
	// mitigations are picked up by its repository read.
	var snapshotSvc *pkgbackup.Service
	if cfg.Backup.Enabled {
		storage, err := pkgbackup.NewFileStorage(cfg.Backup.Directory)
		if err != nil {
			zlog.Fatalw("snapshot storage init failed", "error", err)
		}
		snapshotSvc = pkgbackup.NewService(storage, "1.0.0")
		if err := snapshots.RestoreLatest(ctx, snapshotSvc, stateRepo, zlog); err != nil {
			zlog.Warnw("snapshot restore failed, starting empty", "error", err)
		}
	}

	local := eventbus.New(zlog)
	var bus ports.EventBus = local
	if client := factory.RedisClient(); client != nil {
		rbus := distributed.NewRedisEventBus(client, local, instanceID, zlog)
		rbus.Start(ctx)
		bus = rbus
	}
	defer bus.Close()

	collector := monitoring.NewPrometheusCollector()

	encryption, err := services.NewEncryptionService(services.EncryptionConfig{
		RotationInterval: cfg.Encryption.RotationInterval,
		MaxKeyAge:        cfg.Encryption.MaxKeyAge,
		RetiredGrace:     cfg.Encryption.RetiredKeyGrace,
		MaxSkew:          cfg.Encryption.EnvelopeMaxSkew,
	}, clock.RealClock{}, bus, zlog)
	if err != nil {
		zlog.Fatalw("encryption service init failed", "error", err)
	}
	encryption.SetMetrics(collector)
	encryption.StartSweeper(ctx, time.Minute)

	tokens, err := services.NewTokenService(
		[]byte(cfg.Auth.TokenSecret),
		cfg.Auth.TokenValidity,
		cfg.Auth.TokenRatePerMin,
		clock.RealClock{},
	)
	if err != nil {
		zlog.Fatalw("token service init failed", "error", err)
	}

	threat := services.NewThreatService(clock.RealClock{}, bus, stateRepo, zlog)
	threat.SetMetrics(collector)
	threat.StartSweeper(ctx)

	rooms := services.NewRoomService(encryption, bus, stateRepo, clock.RealClock{}, zlog)
	rooms.SetIdleGrace(cfg.Rooms.IdleGrace)
	rooms.SetMaxMembers(cfg.Rooms.MaxMembers)
	rooms.StartReaper(ctx, 10*time.Second, time.Duration(cfg.Signal.HeartbeatGraceMisses)*cfg.Signal.HeartbeatInterval)

	if snapshotSvc != nil {
		snapshots.NewScheduler(snapshotSvc, stateRepo, snapshots.Config{
			Interval:  cfg.Backup.Interval,
			Retention: cfg.Backup.Retention,
		}, zlog).Start(ctx)
	}

	var presence *distributed.PresenceRegistry
	if client := factory.RedisClient(); client != nil {
		presence = distributed.NewPresenceRegistry(client, instanceID, zlog)
		presence.Start(ctx, bus)
	}

	// The rooms gauge tracks the registry, not join/leave increments, so a
	// reaped room cannot leave the count stale.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, _ := rooms.Counts()
				collector.SetActiveRooms(n)
			}
		}
	}()

	checker := monitoring.NewHealthChecker()
	checker.AddReadinessCheck(factory.RedisClient(), stateRepo, 15*time.Second, 3*time.Second)
	checker.StartBackgroundChecks(ctx)

	wsServer := signalws.NewWebSocketServer(rooms, tokens, threat, bus, zlog, signalws.Options{
		HeartbeatInterval: cfg.Signal.HeartbeatInterval,
		GraceMisses:       cfg.Signal.HeartbeatGraceMisses,
		Metrics:           collector,
	})
	wsServer.StartKeyRotationFanout(ctx)

	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", wsServer.HandleWebSocket)
	signalMux.HandleFunc("/health", wsServer.HealthCheck)
	signalSrv := &http.Server{Addr: cfg.Signal.Address, Handler: signalMux}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(zlog),
		middleware.ErrorHandlerMiddleware(zlog),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	affinity := loadbalancer.NewRoomAffinity(cfg.Cluster.Instances)
	sessions := loadbalancer.NewStickySessionManager(cfg.Auth.TokenSecret, "meshconf_session", 3600)
	apihttp.NewAPIHandler(tokens, threat, rooms, checker, affinity, sessions).SetupRoutes(router)
	apiSrv := &http.Server{Addr: cfg.Server.Address, Handler: router}

	go func() {
		zlog.Infow("signaling server listening", "address", cfg.Signal.Address)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatalw("signaling server failed", "error", err)
		}
	}()
	go func() {
		zlog.Infow("api server listening", "address", cfg.Server.Address)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatalw("api server failed", "error", err)
		}
	}()

	<-ctx.Done()
	zlog.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()
	if err := signalSrv.Shutdown(shutdownCtx); err != nil {
		zlog.Warnw("signaling server shutdown", "error", err)
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		zlog.Warnw("api server shutdown", "error", err)
	}
	if presence != nil {
		if err := presence.CleanupInstance(shutdownCtx); err != nil {
			zlog.Warnw("presence cleanup", "error", err)
		}
	}
}
