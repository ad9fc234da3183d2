package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replichat/backend/internal/blob"
	"github.com/replichat/backend/internal/replicache"
)

const requestIDHeader = "X-Request-Id"

var (
	errMissingSyncService = errors.New("sync service dependency required")
	errMissingBlobStore   = errors.New("blob store dependency required")
	errMissingDispatcher  = errors.New("poke dispatcher dependency required")
)

// Dependencies carries everything the HTTP layer needs.
type Dependencies struct {
	SyncService     *replicache.Service
	BlobStore       *blob.Store
	Poke            *PokeDispatcher
	PokeChannel     string
	HeartbeatPeriod time.Duration
	Logger          *zap.Logger
}

// NewHTTPHandler wires the push, pull, blob and poke endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.BlobStore == nil {
		return nil, errMissingBlobStore
	}
	if deps.Poke == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pokeChannel := deps.PokeChannel
	if pokeChannel == "" {
		pokeChannel = "default"
	}
	heartbeat := deps.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		syncService: deps.SyncService,
		blobStore:   deps.BlobStore,
		poke:        deps.Poke,
		pokeChannel: pokeChannel,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.POST("/replicache-push", handler.handlePush)
	router.POST("/replicache-pull", handler.handlePull)
	router.PUT("/blob/:hash", handler.handleBlobUpload)
	router.GET("/blob/:hash", handler.handleBlobDownload)
	router.GET("/poke", handler.handlePokeStream)
	router.GET("/poke/ws", handler.handlePokeWebsocket)

	return router, nil
}

type httpHandler struct {
	syncService *replicache.Service
	blobStore   *blob.Store
	poke        *PokeDispatcher
	pokeChannel string
	heartbeat   time.Duration
	logger      *zap.Logger
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			if generated, err := uuid.NewV7(); err == nil {
				requestID = generated.String()
			}
		}
		c.Header(requestIDHeader, requestID)

		started := time.Now()
		c.Next()

		logger.Info("request handled",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(started)))
	}
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var request replicache.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.String(http.StatusBadRequest, "invalid push body: %v", err)
		return
	}

	if _, err := h.syncService.ProcessPush(c.Request.Context(), request); err != nil {
		h.logger.Error("push failed", zap.String("client_id", request.ClientID), zap.Error(err))
		c.String(http.StatusInternalServerError, "%v", err)
		return
	}

	// Wake idle clients only after the transaction committed. Delivery is
	// best-effort and never fails the push.
	h.poke.Publish(h.pokeChannel)

	c.String(http.StatusOK, "ok")
}

type pullRequestPayload struct {
	ClientID string `json:"clientID"`
	Cookie   *int64 `json:"cookie"`
}

func (h *httpHandler) handlePull(c *gin.Context) {
	var payload pullRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.String(http.StatusBadRequest, "invalid pull body: %v", err)
		return
	}

	cookie := int64(0)
	if payload.Cookie != nil {
		cookie = *payload.Cookie
	}

	response, err := h.syncService.GeneratePull(c.Request.Context(), replicache.PullRequest{
		ClientID: payload.ClientID,
		Cookie:   cookie,
	})
	if err != nil {
		h.logger.Error("pull failed", zap.String("client_id", payload.ClientID), zap.Error(err))
		c.String(http.StatusInternalServerError, "%v", err)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleBlobUpload(c *gin.Context) {
	hash, err := blob.ParseHash(c.Param("hash"))
	if err != nil {
		c.String(http.StatusNotFound, "Invalid hash")
		return
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to read body")
		return
	}

	if err := h.blobStore.Put(c.Request.Context(), hash, data); err != nil {
		if errors.Is(err, blob.ErrHashMismatch) {
			c.String(http.StatusInternalServerError, "Hash does not match")
			return
		}
		h.logger.Error("blob upload failed", zap.String("hash", hash.String()), zap.Error(err))
		c.String(http.StatusInternalServerError, "%v", err)
		return
	}

	c.String(http.StatusCreated, "Uploaded")
}

func (h *httpHandler) handleBlobDownload(c *gin.Context) {
	hash, err := blob.ParseHash(c.Param("hash"))
	if err != nil {
		c.String(http.StatusNotFound, "Invalid hash")
		return
	}

	data, err := h.blobStore.Get(c.Request.Context(), hash)
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrNotFound):
			c.String(http.StatusNotFound, "Not Found")
		case errors.Is(err, blob.ErrHashMismatch):
			c.String(http.StatusInternalServerError, "Hash does not match")
		default:
			h.logger.Error("blob download failed", zap.String("hash", hash.String()), zap.Error(err))
			c.String(http.StatusInternalServerError, "%v", err)
		}
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", data)
}

// pokeChannelFor resolves the subscription channel for a poke request. The
// name is caller-controlled, so an explicitly empty value is rejected rather
// than passed to the dispatcher.
func (h *httpHandler) pokeChannelFor(c *gin.Context) (string, bool) {
	channel := strings.TrimSpace(c.DefaultQuery("channel", h.pokeChannel))
	if channel == "" {
		c.String(http.StatusBadRequest, "invalid channel")
		return "", false
	}
	return channel, true
}

func (h *httpHandler) handlePokeStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	channel, ok := h.pokeChannelFor(c)
	if !ok {
		return
	}
	stream, cleanup := h.poke.Subscribe(c.Request.Context(), channel)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-stream:
			if _, err := c.Writer.WriteString("event: " + PokeEventName + "\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
