package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studyhub/internal/config"
	"studyhub/internal/database/db_client"
	"studyhub/internal/database/schema"
	"studyhub/internal/http/http_server"
	"studyhub/internal/hub"
	"studyhub/internal/redis/presencemirror"
	"studyhub/internal/redis/redis_client"
	"studyhub/internal/redis/redis_functions"
	"studyhub/internal/redis/sessiontimer"
	"studyhub/internal/redis/watcher/sessionwatcher"
	"studyhub/internal/services/studysession"
	"studyhub/internal/syncdb"
	"studyhub/internal/syncmsg"
	"studyhub/internal/ws"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var err error
	var cfg *config.Config
	var redisClient *redis.Client
	var sessionService studysession.IStudySessionService

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis
	redisClient, err = redis_client.NewRedisClient(cfg.RedisHost, int(cfg.RedisPort))
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	if err := redis_functions.LoadAll(ctx, redisClient); err != nil {
		Log.Fatal("load-redis-funcs", zap.Error(err))
	}

	// 4. Postgres
	pgDb, err := db_client.Open(ctx, db_client.Params{
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Database: cfg.PostgresDb,
	})
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}
	defer pgDb.Close()

	if cfg.ApplySchema {
		if err := schema.Apply(ctx, pgDb); err != nil {
			Log.Fatal("pg-schema", zap.Error(err))
		}
	}
	store := studysession.NewPgStore(pgDb)

	// 5. Real-time hub
	mirror := presencemirror.New(redisClient)
	go mirror.Run(ctx)

	coordinator := hub.New(
		hub.WithAuthorizer(studysession.NewRoomAuthorizer(store)),
		hub.WithPresenceMirror(mirror),
		hub.WithMessageSink(syncmsg.NewSink(redisClient)),
		hub.WithSessionObserver(studysession.NewLeaveRecorder(store)),
		hub.WithRateLimit(cfg.SignalRateLimit, cfg.SignalRateWindow),
	)

	// 6. Lifecycle service; notices go through redis when several instances share the load
	var notifier studysession.Notifier = coordinator
	if cfg.RedisFanout {
		notifier = ws.NewRedisNotifier(redisClient)
		go ws.SubscribeNotices(ctx, redisClient, coordinator)
	}
	timers := sessiontimer.New(redisClient)
	sessionService = studysession.NewStudySessionService(store, notifier, timers, timers, cfg.SessionDefaultCapacity)

	// 7. Background: key-expiry watcher, presence and message synchronisers
	go sessionwatcher.Run(ctx, redisClient, sessionService)
	syncdb.Run(ctx, redisClient, pgDb, cfg.PresenceSyncInterval)
	syncmsg.Run(ctx, redisClient, pgDb)

	// 8. HTTP + WS server
	wsSrv := ws.NewWsServer(coordinator, ws.Options{
		SendBuffer:     cfg.WsSendBuffer,
		ReadLimit:      cfg.WsReadLimit,
		AllowedOrigins: cfg.WsAllowedOrigins,
	})
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, sessionService, coordinator)
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}
