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
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/auth"
	"github.com/4xmen/kanal/internal/chat"
	"github.com/4xmen/kanal/internal/handlers"
	"github.com/4xmen/kanal/internal/push"
	"github.com/4xmen/kanal/internal/ws"
	"github.com/4xmen/kanal/pkg/config"
	"github.com/4xmen/kanal/pkg/i18n"
	"github.com/4xmen/kanal/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func __(message string) string {
	return i18n.Translate(message)
}

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": __("rate limiter error")})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": __("rate limit exceeded")})
			c.Abort()
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

// serverErrorLogger records the response body of every 5xx.
func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.FromContext(c.Request.Context()).Error("server error",
				zap.Int("status", c.Writer.Status()),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("response", strings.TrimSpace(blw.body.String())),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.FromContext(c.Request.Context()).Error("panic recovered",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Any("error", recovered),
			zap.ByteString("stack", debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
	})
}

func corsMiddleware(origins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	i18n.SetLocale(cfg.Locale)

	log, closeLog, err := logger.New(logger.Options{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Dir:         cfg.LogPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = logger.WithContext(ctx, log)

	if len(os.Args) > 1 {
		err = runCommand(ctx, cfg, os.Args[1:])
	} else {
		err = runServer(ctx, cfg, log)
	}

	stop()
	if err != nil {
		log.Error("exiting", zap.Error(err))
		closeLog()
		os.Exit(1)
	}
	closeLog()
}

func runCommand(ctx context.Context, cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "serve":
		return runServer(ctx, cfg, logger.FromContext(ctx))
	case "status":
		return runStatus(ctx, cfg, os.Stdout, args[1:])
	case "migrate":
		return runMigrate(ctx, cfg, os.Stdout, args[1:])
	case "sweep":
		return runSweep(ctx, cfg, os.Stdout)
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
	fmt.Fprintln(out, "  kanal                                     Start the web server")
	fmt.Fprintln(out, "  kanal serve                               Start the web server")
	fmt.Fprintln(out, "  kanal status [--json]                     Show application statistics")
	fmt.Fprintln(out, "  kanal migrate general-channel [--dry-run] Ensure every user is in General")
	fmt.Fprintln(out, "  kanal sweep                               Remove expired encrypted messages")
}

// server holds everything the router needs.
type server struct {
	cfg     *config.Config
	log     *zap.Logger
	authSvc *auth.Service
	svc     *chat.Service
	hub     *ws.Hub
	push    *push.Notifier
}

func (s *server) router() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(logger.Middleware(s.log))
	router.Use(serverErrorLogger())
	router.Use(panicRecovery())
	router.Use(corsMiddleware(s.cfg.CORSOrigins))

	authHandler := handlers.NewAuthHandler(s.authSvc)
	chatHandler := handlers.NewChatHandler(s.svc)

	// A nil *push.Notifier must reach the handler as a nil interface.
	var subscriber handlers.PushSubscriber
	if s.push != nil {
		subscriber = s.push
	}
	pushHandler := handlers.NewPushHandler(subscriber)

	// Public endpoints
	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		sessionLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/session", rateLimitMiddleware(sessionLimiter), authHandler.CreateSession)
		api.POST("/session/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
		api.GET("/stats", chatHandler.GetStats)
	}

	// Protected endpoints
	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	chatHandler.Register(protected)
	{
		protected.GET("/push/vapid", pushHandler.GetVAPIDKey)
		protected.POST("/push/subscribe", pushHandler.Subscribe)
		protected.DELETE("/push/subscribe", pushHandler.Unsubscribe)
	}

	router.GET("/ws", authHandler.AuthMiddleware(), s.hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
	})

	return router
}

func runServer(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := newChatService(cfg, st, log)
	if err != nil {
		return err
	}

	// Older data sets may predate automatic General membership.
	missing, err := svc.RepairGeneralChannel(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to repair general channel: %w", err)
	}
	if len(missing) > 0 {
		log.Info("added missing members to general channel", zap.Int("count", len(missing)))
	}

	authSvc := auth.NewWithTokenTTL(st.Credentials, cfg.JWTSecret, cfg.TokenTTL)

	hub := ws.NewHub(svc, log)
	go hub.Run(ctx)
	svc.AddNotifier(hub)

	var notifier *push.Notifier
	if cfg.PushEnabled() {
		notifier = push.NewNotifier(st.PushSubscriptions, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject, hub)
		svc.AddNotifier(notifier)
	} else {
		log.Info("push notifications disabled, VAPID keys not configured")
	}

	go chat.NewSweeper(svc, cfg.SweepInterval).Run(ctx)

	srv := &server{cfg: cfg, log: log, authSvc: authSvc, svc: svc, hub: hub, push: notifier}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", httpServer.Addr), zap.String("storage", cfg.StorageDriver))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	notifier.Wait()
	return nil
}

func runSweep(ctx context.Context, cfg *config.Config, out io.Writer) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := newChatService(cfg, st, logger.FromContext(ctx))
	if err != nil {
		return err
	}

	removed, err := svc.Sweep(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %d expired encrypted messages.\n", removed)
	return nil
}
