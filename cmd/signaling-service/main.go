package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"meshtalk-backend/internal/database"
	signalingHandler "meshtalk-backend/internal/handler/http/signaling"
	wsHandler "meshtalk-backend/internal/handler/ws"
	"meshtalk-backend/internal/middleware"
	"meshtalk-backend/internal/registry"
	"meshtalk-backend/internal/repository/cassandra"
	"meshtalk-backend/internal/repository/cockroach"
	redisRepo "meshtalk-backend/internal/repository/redis"
	callService "meshtalk-backend/internal/service/call"
	callrecordService "meshtalk-backend/internal/service/callrecord"
	chatService "meshtalk-backend/internal/service/chat"
	groupcallService "meshtalk-backend/internal/service/groupcall"
	presenceService "meshtalk-backend/internal/service/presence"
	"meshtalk-backend/pkg/constants"
	"meshtalk-backend/pkg/env"
	"meshtalk-backend/pkg/jwt"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	// 1. Setup JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	jwtManager := jwt.NewJWTManager(jwtSecret, constants.AccessTokenExpiry)

	// 2. Connect to CockroachDB
	cockroachConfig := &database.CockroachConfig{
		Host:     env.GetString("COCKROACH_HOST", "localhost"),
		Port:     env.GetInt("COCKROACH_PORT", 26257),
		User:     env.GetString("COCKROACH_USER", "root"),
		Password: env.GetStringFromFile("COCKROACH_PASSWORD", ""),
		Database: env.GetString("COCKROACH_DATABASE", "meshtalk_db"),
		SSLMode:  env.GetString("COCKROACH_SSLMODE", "disable"),
	}

	cockroachDB, err := database.NewCockroachDB(context.Background(), cockroachConfig)
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB: %v", err)
	}
	defer cockroachDB.Close()

	log.Println("✅ Connected to CockroachDB")

	// 3. Connect to Cassandra
	cassandraConfig := &database.CassandraConfig{
		Hosts:    []string{env.GetString("CASSANDRA_HOST", "localhost")},
		Keyspace: env.GetString("CASSANDRA_KEYSPACE", "meshtalk_ks"),
		Username: env.GetStringFromFile("CASSANDRA_USER", ""),
		Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
		Timeout:  10 * time.Second,
	}

	cassandraDB, err := database.NewCassandraDB(cassandraConfig)
	if err != nil {
		log.Fatalf("Failed to connect to Cassandra: %v", err)
	}
	defer cassandraDB.Close()

	log.Println("✅ Connected to Cassandra")

	// 4. Connect to Redis (optional: presence mirror + token revocation)
	var redisDB *database.RedisClient
	redisConfig := &database.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}

	redisDB, err = database.NewRedisClient(redisConfig)
	if err != nil {
		if env.GetBool("REDIS_REQUIRED", false) {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Printf("⚠️  Redis unavailable, running without presence mirror and revocation: %v", err)
		redisDB = nil
	} else {
		defer redisDB.Close()
		redisDB.StartHealthCheck(context.Background(), 10*time.Second)
		log.Println("✅ Connected to Redis")
	}

	// 5. Initialize Repositories
	callRepo := cockroach.NewCallRepository(cockroachDB.Pool)
	userRepo := cockroach.NewUserRepository(cockroachDB.Pool)
	friendshipRepo := cockroach.NewFriendshipRepository(cockroachDB.Pool)
	groupRepo := cockroach.NewGroupRepository(cockroachDB.Pool)
	messageRepo := cassandra.NewMessageRepository(cassandraDB.Session)

	var presenceMirror presenceService.Mirror
	var revocationChecker middleware.RevocationChecker
	if redisDB != nil {
		presenceMirror = redisRepo.NewPresenceRepository(redisDB)
		revocationChecker = middleware.NewRedisRevocationChecker(redisDB.Client)
	}

	// 6. Initialize Services
	reg := registry.New()
	hub := wsHandler.NewHub()

	recordsSvc := callrecordService.NewService(callRepo)
	presenceSvc := presenceService.NewService(reg, friendshipRepo, presenceMirror, hub)
	chatSvc := chatService.NewService(reg, messageRepo, userRepo, groupRepo, hub)

	ringTimeout := env.GetDuration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout)
	callSvc := callService.NewService(reg, recordsSvc, friendshipRepo, userRepo, hub, ringTimeout)
	groupCallSvc := groupcallService.NewService(reg, recordsSvc, groupRepo, hub)

	// Close pending records orphaned by a previous crash. Anything
	// still pending from before this process started cannot ring.
	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	if swept, err := recordsSvc.SweepStalePending(sweepCtx, time.Now().UTC(), 1000); err != nil {
		log.Printf("⚠️  Stale call record sweep failed: %v", err)
	} else if swept > 0 {
		log.Printf("Swept %d stale pending call records", swept)
	}
	cancelSweep()

	gateway := wsHandler.NewGateway(hub, jwtManager, revocationChecker,
		presenceSvc, chatSvc, callSvc, groupCallSvc, groupRepo)

	// 7. Initialize Metrics
	appMetrics := metrics.NewMetrics("signaling-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Initialize Handlers
	signalingHdlr := signalingHandler.NewHandler(recordsSvc, groupCallSvc, presenceSvc)

	// 9. Setup Gin Router
	router := gin.New() // Don't use Default() to have full control
	router.SetTrustedProxies(nil)

	// Apply global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", middleware.HealthCheck("signaling-service"))

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler())

	// WebSocket endpoint authenticates itself: browsers cannot send an
	// Authorization header on the upgrade request
	router.GET("/v1/ws/signaling", gateway.ServeWS)

	// HTTP routes (all require authentication)
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("/calls", signalingHdlr.ListCalls)
		v1.GET("/group-calls/:group_id/status", signalingHdlr.GroupCallStatus)
		v1.GET("/presence/online", signalingHdlr.OnlineUsers)
	}

	// 10. Start server
	port := env.GetString("PORT", "8084")
	addr := fmt.Sprintf(":%s", port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Signaling Service starting on port %s\n", port)
		log.Println("📡 WebSocket endpoint: /v1/ws/signaling")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
