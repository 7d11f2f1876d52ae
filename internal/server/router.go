package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/access"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "folio_identity"

const (
	codeAccessDenied     = "ACCESS_DENIED"
	codeNotFound         = "NOT_FOUND"
	codeGenerationFailed = "GENERATION_FAILED"
	codeUnauthorized     = "UNAUTHORIZED"
	codeInvalidRequest   = "INVALID_REQUEST"
	codeBundleTooLarge   = "BUNDLE_TOO_LARGE"
	codeInternal         = "INTERNAL_ERROR"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingCatalog          = errors.New("catalog dependency required")
	errMissingEntitlements     = errors.New("entitlement dependency required")
	errMissingDelivery         = errors.New("delivery dependency required")
	errMissingLinkValidator    = errors.New("link validator dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type ProfileResolver interface {
	ResolveProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

type CatalogReader interface {
	GetItem(ctx context.Context, itemID string) (catalog.Item, error)
	ListItems(ctx context.Context, filter catalog.ItemFilter) (catalog.ItemPage, error)
	ListVolumes(ctx context.Context, itemID string) ([]catalog.Volume, error)
	ListActivePurchases(ctx context.Context, userID string) ([]catalog.OwnedItem, error)
}

type Entitlements interface {
	HasActivePurchase(ctx context.Context, identity access.Identity, itemID string) (bool, error)
}

type DeliveryService interface {
	VolumeLocation(ctx context.Context, identity access.Identity, volumeID string) (delivery.Location, error)
	BundleFullSet(ctx context.Context, identity access.Identity, itemID string) (delivery.Bundle, error)
	OpenArtifact(ctx context.Context, key string) (io.ReadCloser, error)
}

type LinkValidator interface {
	ValidateLinkToken(token, artifactKey string) error
}

type Dependencies struct {
	Sessions       SessionValidator
	Profiles       ProfileResolver
	Catalog        CatalogReader
	Entitlements   Entitlements
	Delivery       DeliveryService
	Links          LinkValidator
	Metrics        *metrics.Recorder
	AllowedOrigins []string
	DownloadLimit  DownloadLimit
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Profiles == nil:
		return nil, errMissingProfileResolver
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Entitlements == nil:
		return nil, errMissingEntitlements
	case deps.Delivery == nil:
		return nil, errMissingDelivery
	case deps.Links == nil:
		return nil, errMissingLinkValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		profiles:     deps.Profiles,
		catalog:      deps.Catalog,
		entitlements: deps.Entitlements,
		delivery:     deps.Delivery,
		links:        deps.Links,
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/media/*key", handler.handleMedia)

	storefront := router.Group("/")
	storefront.Use(handler.loadIdentity)
	storefront.GET("/catalog", handler.handleListCatalog)
	storefront.GET("/catalog/:itemID", handler.handleGetItem)
	storefront.GET("/volumes/:volumeID/preview", handler.handleVolumePreview)

	protected := storefront.Group("/")
	protected.Use(handler.requireIdentity)
	downloadChain := []gin.HandlerFunc{handler.handleDownload}
	if deps.DownloadLimit.PerMinute > 0 {
		downloadChain = append([]gin.HandlerFunc{newReaderLimiter(deps.DownloadLimit).middleware()}, downloadChain...)
	}
	protected.GET("/catalog/:itemID/download", downloadChain...)
	protected.GET("/me/purchases", handler.handleMyPurchases)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	allowAny := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAny = true
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if allowAny || len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions     SessionValidator
	profiles     ProfileResolver
	catalog      CatalogReader
	entitlements Entitlements
	delivery     DeliveryService
	links        LinkValidator
	logger       *zap.Logger
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type categoryPayload struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type itemPayload struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Author       string            `json:"author"`
	Description  string            `json:"description"`
	Access       string            `json:"access"`
	PriceCents   int64             `json:"price_cents"`
	PreviewPages int               `json:"preview_pages"`
	Categories   []categoryPayload `json:"categories"`
}

type volumePayload struct {
	ID          string `json:"id"`
	Position    int    `json:"position"`
	Title       string `json:"title"`
	HasDocument bool   `json:"has_document"`
	HasPreview  bool   `json:"has_preview"`
}

type catalogPagePayload struct {
	Items    []itemPayload `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

type itemDetailPayload struct {
	Item      itemPayload     `json:"item"`
	Volumes   []volumePayload `json:"volumes"`
	Purchased bool            `json:"purchased"`
}

type purchasePayload struct {
	Item        itemPayload `json:"item"`
	PurchasedAt time.Time   `json:"purchased_at"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

type purchasesPayload struct {
	Purchases []purchasePayload `json:"purchases"`
}

type locationPayload struct {
	PDFURL    string `json:"pdf_url"`
	Access    string `json:"access"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *httpHandler) handleListCatalog(c *gin.Context) {
	filter := catalog.ItemFilter{
		Query:        c.Query("q"),
		CategorySlug: c.Query("category"),
	}
	if raw := strings.TrimSpace(c.Query("access")); raw != "" {
		category, err := catalog.ParseAccessCategory(raw)
		if err != nil {
			h.writeError(c, http.StatusBadRequest, codeInvalidRequest, "unknown access category")
			return
		}
		filter.Access = category
	}
	if raw := strings.TrimSpace(c.Query("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page <= 0 {
			h.writeError(c, http.StatusBadRequest, codeInvalidRequest, "page must be a positive integer")
			return
		}
		filter.Page = page
	}

	page, err := h.catalog.ListItems(c.Request.Context(), filter)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	response := catalogPagePayload{
		Items:    make([]itemPayload, 0, len(page.Items)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, item := range page.Items {
		response.Items = append(response.Items, newItemPayload(item))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetItem(c *gin.Context) {
	ctx := c.Request.Context()
	item, err := h.catalog.GetItem(ctx, c.Param("itemID"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	volumes, err := h.catalog.ListVolumes(ctx, item.ID)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	purchased, err := h.entitlements.HasActivePurchase(ctx, identityFrom(c), item.ID)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	response := itemDetailPayload{
		Item:      newItemPayload(item),
		Volumes:   make([]volumePayload, 0, len(volumes)),
		Purchased: purchased,
	}
	for _, volume := range volumes {
		response.Volumes = append(response.Volumes, volumePayload{
			ID:          volume.ID,
			Position:    volume.Position,
			Title:       volume.Title,
			HasDocument: volume.HasDocument(),
			HasPreview:  volume.HasPreview(),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleVolumePreview(c *gin.Context) {
	location, err := h.delivery.VolumeLocation(c.Request.Context(), identityFrom(c), c.Param("volumeID"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, locationPayload{
		PDFURL:    location.URL,
		Access:    string(location.Access),
		ExpiresIn: location.ExpiresIn,
	})
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	bundle, err := h.delivery.BundleFullSet(c.Request.Context(), identityFrom(c), c.Param("itemID"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+bundle.Filename+`"`)
	c.Data(http.StatusOK, "application/zip", bundle.Data)
}

func (h *httpHandler) handleMyPurchases(c *gin.Context) {
	owned, err := h.catalog.ListActivePurchases(c.Request.Context(), identityFrom(c).UserID)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	response := purchasesPayload{Purchases: make([]purchasePayload, 0, len(owned))}
	for _, entry := range owned {
		response.Purchases = append(response.Purchases, purchasePayload{
			Item:        newItemPayload(entry.Item),
			PurchasedAt: entry.Purchase.PurchasedAt,
			ExpiresAt:   entry.Purchase.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMedia(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.links.ValidateLinkToken(c.Query("token"), key); err != nil {
		h.logger.Info("media link rejected", zap.String("key", key), zap.Error(err))
		h.writeError(c, http.StatusForbidden, codeAccessDenied, "link is invalid or expired")
		return
	}
	reader, err := h.delivery.OpenArtifact(c.Request.Context(), key)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	defer reader.Close()
	c.Header("Cache-Control", "private, max-age=60")
	c.DataFromReader(http.StatusOK, -1, "application/pdf", reader, nil)
}

func (h *httpHandler) loadIdentity(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.Set(identityContextKey, access.Identity{})
		c.Next()
		return
	}
	profile, err := h.profiles.ResolveProfile(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("profile resolution failed", zap.Error(err))
		c.Set(identityContextKey, access.Identity{})
		c.Next()
		return
	}
	c.Set(identityContextKey, access.Identity{UserID: profile.UserID, Verified: profile.IsVerified})
	c.Next()
}

func (h *httpHandler) requireIdentity(c *gin.Context) {
	if identityFrom(c).Anonymous() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: codeUnauthorized, Message: "sign in required"})
		return
	}
	c.Next()
}

func identityFrom(c *gin.Context) access.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return access.Identity{}
	}
	identity, _ := value.(access.Identity)
	return identity
}

func (h *httpHandler) respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, delivery.ErrAccessDenied):
		h.writeError(c, http.StatusForbidden, codeAccessDenied, "access denied")
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		h.writeError(c, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, delivery.ErrGenerationFailed):
		h.writeError(c, http.StatusInternalServerError, codeGenerationFailed, "preview could not be generated")
	case errors.Is(err, delivery.ErrBundleTooLarge):
		h.writeError(c, http.StatusRequestEntityTooLarge, codeBundleTooLarge, "bundle exceeds the download limit")
	case errors.Is(err, catalog.ErrInvalidAccessCategory):
		h.writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid request")
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		h.writeError(c, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func (h *httpHandler) writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorPayload{Error: code, Message: message})
}

func newItemPayload(item catalog.Item) itemPayload {
	categories := make([]categoryPayload, 0, len(item.Categories))
	for _, category := range item.Categories {
		categories = append(categories, categoryPayload{Slug: category.Slug, Name: category.Name})
	}
	return itemPayload{
		ID:           item.ID,
		Title:        item.Title,
		Author:       item.Author,
		Description:  item.Description,
		Access:       string(item.Access),
		PriceCents:   item.PriceCents,
		PreviewPages: item.PreviewPageCount,
		Categories:   categories,
	}
}
