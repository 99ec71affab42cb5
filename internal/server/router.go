package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/assets"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/room"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/unfurl"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "whiteboard_user_id"

var (
	errMissingRegistry = errors.New("room registry dependency required")
	errMissingAssets   = errors.New("asset store dependency required")
	errMissingUnfurler = errors.New("unfurler dependency required")
	errMissingUsers    = errors.New("user resolver dependency required when authentication is enabled")
)

// SessionValidator authenticates a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to a canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// AssetStore stores uploaded board assets.
type AssetStore interface {
	Put(ctx context.Context, id assets.AssetID, body io.Reader) (string, error)
	Get(ctx context.Context, id assets.AssetID) (assets.Asset, error)
}

// LinkUnfurler reads link preview metadata.
type LinkUnfurler interface {
	Unfurl(ctx context.Context, rawURL string) (unfurl.Metadata, error)
}

// Dependencies wires the HTTP surface. SessionValidator is optional; without it
// every route is anonymous.
type Dependencies struct {
	Registry         *room.Registry
	Assets           AssetStore
	Unfurler         LinkUnfurler
	SessionValidator SessionValidator
	Users            UserResolver
	Gatherer         prometheus.Gatherer
	AllowedOrigins   []string
	Clock            func() time.Time
	Logger           *zap.Logger
}

// NewHTTPHandler builds the router wrapped in the access log.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Assets == nil {
		return nil, errMissingAssets
	}
	if deps.Unfurler == nil {
		return nil, errMissingUnfurler
	}
	if deps.SessionValidator != nil && deps.Users == nil {
		return nil, errMissingUsers
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		registry:  deps.Registry,
		assets:    deps.Assets,
		unfurler:  deps.Unfurler,
		validator: deps.SessionValidator,
		users:     deps.Users,
		upgrader:  newUpgrader(deps.AllowedOrigins),
		clock:     clock,
		startedAt: clock(),
		logger:    logger,
	}

	router.GET("/health", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/connect/:roomId", handler.handleConnect)
	protected.GET("/rooms", handler.handleListRooms)
	protected.GET("/rooms/:roomId/snapshot", handler.handleRoomSnapshot)
	protected.GET("/rooms/:roomId/records", handler.handleRoomRecords)
	protected.PUT("/uploads/:id", handler.handleUpload)
	protected.GET("/uploads/:id", handler.handleDownload)
	protected.GET("/unfurl", handler.handleUnfurl)

	return accessLog(router, logger), nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	registry  *room.Registry
	assets    AssetStore
	unfurler  LinkUnfurler
	validator SessionValidator
	users     UserResolver
	upgrader  websocketUpgrader
	clock     func() time.Time
	startedAt time.Time
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	now := h.clock()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": now.UTC().Format(time.RFC3339),
		"uptime":    now.Sub(h.startedAt).Seconds(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.validator == nil {
		c.Next()
		return
	}
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	id, err := assets.NewAssetID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset_id"})
		return
	}
	url, err := h.assets.Put(c.Request.Context(), id, c.Request.Body)
	if errors.Is(err, assets.ErrAssetTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "asset_too_large"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "url": url})
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	id, err := assets.NewAssetID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset_id"})
		return
	}
	asset, err := h.assets.Get(c.Request.Context(), id)
	if errors.Is(err, assets.ErrAssetNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "download_failed"})
		return
	}
	c.Data(http.StatusOK, asset.ContentType, asset.Data)
}

type unfurlQuery struct {
	URL string `form:"url" binding:"required"`
}

func (h *httpHandler) handleUnfurl(c *gin.Context) {
	var query unfurlQuery
	if err := c.ShouldBindQuery(&query); err != nil || strings.TrimSpace(query.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	metadata, err := h.unfurler.Unfurl(c.Request.Context(), query.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url"})
		return
	}
	c.JSON(http.StatusOK, metadata)
}
