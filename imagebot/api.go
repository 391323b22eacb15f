package imagebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	apiPrefix            = "/api"
	apiHealthCheck       = "/healthcheck"
	apiPathGenerations   = "/generations"
	apiPathGetGeneration = "/generations/:id"
	apiPathMetrics       = "/metrics"

	xRequestIDHeader = "X-Request-ID"

	apiShutdownTimeout = 10 * time.Second
)

var structValidator = validator.New()

// API serves the bot's status endpoints: health, generation history
// and prometheus metrics.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

type APIHandlers struct {
	bot *ImageBot
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	DiscordConnected       bool   `json:"discord_connected"`
	GenerationsInProgress  int64  `json:"generations_in_progress"`
	ImageBackendConfigured bool   `json:"image_backend_configured"`
	Provider               string `json:"provider"`
	Model                  string `json:"model"`
	Version                string `json:"version"`
}

type generationsResponse struct {
	Generations []GenerationRecord `json:"generations"`
	Limit       int                `json:"limit"`
	Offset      int                `json:"offset"`
	Total       int64              `json:"total"`
}

func newAPI(b *ImageBot, config *APIConfig, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	api := &API{
		config:   config,
		engine:   r,
		logger:   logger,
		handlers: &APIHandlers{bot: b},
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
	)

	r.GET(apiPathMetrics, gin.WrapH(b.metrics.handler()))

	g := r.Group(apiPrefix)
	g.GET(apiHealthCheck, api.handlers.healthCheck)
	g.GET(apiPathGenerations, api.handlers.getGenerations)
	g.GET(apiPathGetGeneration, api.handlers.getGeneration)

	return api
}

// Serve listens on the configured address and serves until ctx is
// canceled, then shuts the server down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Serve(a.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api server", tint.Err(err))
			return err
		}
		return nil
	}
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	b := h.bot
	resp := healthCheckResponse{
		GenerationsInProgress:  b.imaginer.InProgress(),
		ImageBackendConfigured: b.config.Image.Configured(),
		Provider:               string(b.config.Image.Provider),
		Model:                  b.config.Image.ModelName(),
		Version:                Version,
	}
	if b.discord != nil {
		resp.DiscordConnected = b.discord.Connected()
	}
	c.JSON(http.StatusOK, resp)
}

// getGenerations lists generation records, newest first.
//
// Query parameters: limit, offset, state, requester_id
func (h *APIHandlers) getGenerations(c *gin.Context) {
	logger := ginContextLogger(c)

	var q GenerationQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	db := h.bot.DB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "database not ready"})
		return
	}

	ctx := WithLogger(c.Request.Context(), logger)
	records, err := db.ListGenerations(ctx, q)
	if err != nil {
		logger.ErrorContext(ctx, "error listing generations", tint.Err(err))
		ginReplyError(c, "error listing generations")
		return
	}
	total, err := db.CountGenerations(ctx, q)
	if err != nil {
		logger.ErrorContext(ctx, "error counting generations", tint.Err(err))
		ginReplyError(c, "error counting generations")
		return
	}

	limit := q.Limit
	if limit == 0 {
		limit = defaultGenerationListLimit
	}
	c.JSON(
		http.StatusOK,
		generationsResponse{
			Generations: records,
			Limit:       limit,
			Offset:      q.Offset,
			Total:       total,
		},
	)
}

func (h *APIHandlers) getGeneration(c *gin.Context) {
	logger := ginContextLogger(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid generation id"})
		return
	}

	db := h.bot.DB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "database not ready"})
		return
	}

	record, err := db.GetGeneration(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "generation not found"})
			return
		}
		logger.Error("error fetching generation", "id", id, tint.Err(err))
		ginReplyError(c, "error fetching generation")
		return
	}
	c.JSON(http.StatusOK, record)
}

// requestIDMiddleware sets a request ID on the context and response
// headers, keeping the client's X-Request-ID if it's a valid UUID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the logger set by ginLoggingMiddleware, or
// the default logger
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware adds a request-scoped logger to the gin context,
// and logs each request once it's finished
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyError sends a JSON error with HTTP status 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // validator tag must match gin's
func init() {
	structValidator.SetTagName("binding")
}
