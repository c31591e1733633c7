package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/devices"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "fieldsync_user_id"
	defaultMaxBatchSize      = 500
	defaultHeartbeatInterval = 30 * time.Second

	// mutationEnvelopeBytes bounds the JSON around one payload: id, table, op, device id, timestamp.
	mutationEnvelopeBytes = 1024
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingChangefeed     = errors.New("changefeed service dependency required")
	errMissingDevices        = errors.New("device service dependency required")
)

// TokenValidator resolves a bearer credential to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenValidator    TokenValidator
	Changefeed        *changefeed.Service
	Devices           *devices.Service
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	MaxBatchSize      int
	MaxPayloadBytes   int
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Changefeed == nil {
		return nil, errMissingChangefeed
	}
	if deps.Devices == nil {
		return nil, errMissingDevices
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	maxBatchSize := deps.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	maxPayloadBytes := deps.MaxPayloadBytes
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = protocol.DefaultMaxPayloadBytes
	}
	heartbeatInterval := deps.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenValidator,
		changefeed:        deps.Changefeed,
		devices:           deps.Devices,
		realtime:          realtime,
		logger:            logger,
		maxBatchSize:      maxBatchSize,
		maxUploadBytes:    int64(maxBatchSize) * int64(maxPayloadBytes+mutationEnvelopeBytes),
		heartbeatInterval: heartbeatInterval,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/upload", handler.handleUpload)
	protected.GET("/sync/pull", handler.handlePull)
	protected.GET("/sync/status", handler.handleStatus)
	protected.GET("/sync/events", handler.handleEvents)
	protected.POST("/devices/register", handler.handleRegisterDevice)
	protected.GET("/devices/:id", handler.handleLookupDevice)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenValidator
	changefeed        *changefeed.Service
	devices           *devices.Service
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	maxBatchSize      int
	maxUploadBytes    int64
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// respondServiceError reports a storage failure, surfacing the service error code when present.
func respondServiceError(c *gin.Context, fallback string, err error) {
	body := gin.H{"error": fallback}
	var serviceErr *changefeed.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	c.JSON(http.StatusInternalServerError, body)
}
