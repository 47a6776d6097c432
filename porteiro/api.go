package porteiro

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const recentCommandLogLimit = 25

// newAPIServer builds the status API server. It exposes read-only
// health/status endpoints plus pause/resume; there is no auth, so bind
// it to localhost or a unix socket.
func newAPIServer(bot *Porteiro) (*http.Server, error) {
	cfg := bot.config.API
	if cfg.Listen == "" {
		return nil, fmt.Errorf("api listen address is required")
	}

	logger := slog.New(
		tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel}),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	if len(cfg.AllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.AllowOrigins
		engine.Use(cors.New(corsConfig))
	}

	handlers := &apiHandlers{bot: bot, logger: logger}

	api := engine.Group("/api")
	api.GET("/health", handlers.health)
	api.GET("/status", handlers.status)
	api.GET("/commands", handlers.recentCommands)
	api.POST("/pause", handlers.pause)
	api.POST("/resume", handlers.resume)

	return &http.Server{
		Handler:           engine,
		Addr:              cfg.Listen,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}, nil
}

// serveAPI listens on the configured network/address and serves the
// status API until shutdown.
func (p *Porteiro) serveAPI() error {
	cfg := p.config.API
	network := cfg.ListenNetwork
	if network == "" {
		network = "tcp"
	}
	listener, err := net.Listen(network, cfg.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s %s: %w", network, cfg.Listen, err)
	}
	return p.api.Serve(listener)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(started),
			"client_ip", c.ClientIP(),
		)
	}
}

type apiHandlers struct {
	bot    *Porteiro
	logger *slog.Logger
}

type statusResponse struct {
	Version        string          `json:"version"`
	Uptime         string          `json:"uptime"`
	Connected      bool            `json:"connected"`
	Paused         bool            `json:"paused"`
	InFlight       int64           `json:"in_flight"`
	PendingScopes  int             `json:"pending_scopes"`
	ForcedReleases int64           `json:"forced_releases"`
	RateKeys       int             `json:"rate_keys"`
	Dispatch       DispatchMetrics `json:"dispatch"`
}

func (h *apiHandlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *apiHandlers) status(c *gin.Context) {
	bot := h.bot
	c.JSON(
		http.StatusOK, statusResponse{
			Version:        Version,
			Uptime:         time.Since(bot.startedAt).Round(time.Second).String(),
			Connected:      bot.discord.connected.Load(),
			Paused:         bot.dispatcher.Paused(),
			InFlight:       bot.dispatcher.InFlight(),
			PendingScopes:  bot.ledger.Len(),
			ForcedReleases: bot.ledger.ForcedReleases(),
			RateKeys:       bot.limiter.Len(),
			Dispatch:       bot.dispatcher.Metrics(),
		},
	)
}

func (h *apiHandlers) recentCommands(c *gin.Context) {
	query := h.bot.db.DB().
		Order("created_at desc").
		Limit(recentCommandLogLimit)
	if outcome := c.Query("outcome"); outcome != "" {
		query = query.Where(
			fmt.Sprintf("%s = ?", columnCommandLogOutcome), outcome,
		)
	}

	var logs []CommandLog
	rv := query.Find(&logs)
	if rv.Error != nil {
		h.logger.Error("error loading command logs", tint.Err(rv.Error))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error loading command logs"},
		)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *apiHandlers) pause(c *gin.Context) {
	h.bot.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *apiHandlers) resume(c *gin.Context) {
	h.bot.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
