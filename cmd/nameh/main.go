package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/4xmen/nameh/internal/auth"
	"github.com/4xmen/nameh/internal/blob"
	"github.com/4xmen/nameh/internal/db"
	"github.com/4xmen/nameh/internal/encryption"
	"github.com/4xmen/nameh/internal/handlers"
	"github.com/4xmen/nameh/internal/keys"
	"github.com/4xmen/nameh/internal/messages"
	"github.com/4xmen/nameh/internal/push"
	"github.com/4xmen/nameh/internal/reconcile"
	"github.com/4xmen/nameh/internal/store"
	"github.com/4xmen/nameh/internal/ws"
	"github.com/4xmen/nameh/pkg/config"
	"github.com/4xmen/nameh/pkg/i18n"
)

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// limiterStore keeps rate limit counters in Redis when REDIS_URL is set so
// several instances share them.
func limiterStore(cfg *config.Config, prefix string) (limiter.Store, func() error, error) {
	if cfg.RedisURL == "" {
		return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix}), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	s, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
	}
	return s, client.Close, nil
}

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Error().Err(err).Str("ip", c.ClientIP()).Msg("rate limiter error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), "rate limiter error")})
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), "rate limit exceeded")})
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		if status >= http.StatusInternalServerError {
			event = log.Error().
				Str("errors", c.Errors.ByType(gin.ErrorTypeAny).String()).
				Str("response", strings.TrimSpace(blw.body.String()))
		}
		event.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Interface("error", recovered).
			Bytes("stack", debug.Stack()).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), "internal server error")})
	})
}

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatal().Err(err).Msg("command failed")
		}
		return
	}

	if err := runServer(cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "cleanup":
		return runCleanup(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  nameh                                   Start the server")
	fmt.Fprintln(out, "  nameh status [--json]                   Show application statistics")
	fmt.Fprintln(out, "  nameh cleanup [--dry-run] [--database PATH]")
	fmt.Fprintln(out, "                                          Repair inconsistent encrypted messages")
}

func runServer(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	conn := database.GetConn()

	blobs, err := blob.NewLocalStore(cfg.FileStoragePath, "/api/files", cfg.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("failed to initialize file storage: %w", err)
	}

	crypto := encryption.New(encryption.ParseIntegrityMode(cfg.IntegrityMode))
	deriver := keys.NewDeterministicDeriver(cfg.SharedKeySalt)
	users := store.NewUsers(conn)
	msgStore := store.NewMessages(conn)
	keyManager := keys.NewManager(users, crypto, cfg.KeyRotationInterval)
	reconciler := reconcile.New(crypto, deriver, msgStore)

	pushNotifier := push.NewNotifier(conn, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)
	if pushNotifier == nil {
		log.Info().Msg("VAPID keys not set, web push disabled")
	}

	deps := messages.Deps{
		Messages:   msgStore,
		Users:      users,
		Groups:     store.NewGroups(conn),
		Sealer:     crypto,
		Keys:       deriver,
		Reconciler: reconciler,
		Blobs:      blobs,
	}
	if pushNotifier != nil {
		deps.Push = pushNotifier
	}
	msgSvc := messages.New(deps)

	hub := ws.NewHub(msgSvc)
	msgSvc.SetNotifier(hub)

	authSvc := auth.New(conn, cfg.JWTSecret)
	authHandler := handlers.NewAuthHandler(authSvc)
	msgHandler := handlers.NewMessageHandler(msgSvc, users, hub, pushNotifier, cfg.MaxUploadSize)
	secHandler := handlers.NewSecurityHandler(keyManager, users, crypto, reconciler)

	loginStore, closeLogin, err := limiterStore(cfg, "nameh:login")
	if err != nil {
		return err
	}
	defer closeLogin()
	registerStore, closeRegister, err := limiterStore(cfg, "nameh:register")
	if err != nil {
		return err
	}
	defer closeRegister()
	securityStore, closeSecurity, err := limiterStore(cfg, "nameh:security")
	if err != nil {
		return err
	}
	defer closeSecurity()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger())
	router.Use(panicRecovery())
	router.MaxMultipartMemory = cfg.MaxUploadSize

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", cfg.CORSOrigins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(loginStore, limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(registerStore, limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
		api.GET("/push/vapid-key", msgHandler.GetVAPIDKey)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/messages/users", msgHandler.GetUsers)
		protected.GET("/messages/:id", msgHandler.GetMessages)
		protected.POST("/messages/send/:id", msgHandler.SendMessage)
		protected.POST("/messages/reaction/:id", msgHandler.AddReaction)
		protected.DELETE("/messages/reaction/:id", msgHandler.RemoveReaction)
		protected.PUT("/messages/delivered/:id", msgHandler.MarkAsDelivered)
		protected.PUT("/messages/read/:id", msgHandler.MarkAsRead)
		protected.PUT("/messages/read-all/:id", msgHandler.MarkAllAsRead)

		protected.GET("/groups/:id/messages", msgHandler.GetGroupMessages)
		protected.POST("/groups/:id/messages", msgHandler.SendGroupMessage)

		security := protected.Group("/security")
		security.Use(rateLimitMiddleware(limiter.New(securityStore, limiter.Rate{Period: time.Minute, Limit: 30})))
		security.GET("/status", secHandler.GetStatus)
		security.POST("/rotate-key", secHandler.RotateKey)
		security.PUT("/settings", secHandler.UpdateSettings)
		security.GET("/audit-log", secHandler.GetAuditLog)
		security.POST("/test", secHandler.TestEncryption)
		security.POST("/cleanup", secHandler.Cleanup)
		security.GET("/conversation-stats", secHandler.GetConversationStats)

		protected.POST("/push/subscribe", msgHandler.Subscribe)
		protected.POST("/push/unsubscribe", msgHandler.Unsubscribe)
	}

	router.Static("/api/files", blobs.Dir())

	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), "not found")})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("environment", cfg.Environment).
			Str("integrity_mode", string(crypto.Mode())).
			Dur("key_rotation", keyManager.RotationInterval()).
			Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
