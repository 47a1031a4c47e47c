package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/auth"
	"github.com/MarcoPoloResearchLab/tales/internal/content"
	"github.com/MarcoPoloResearchLab/tales/internal/downloads"
	"github.com/MarcoPoloResearchLab/tales/internal/library"
	"github.com/MarcoPoloResearchLab/tales/internal/progress"
	"github.com/MarcoPoloResearchLab/tales/internal/reading"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	namespaceContextKey      = "tales_namespace"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator  = errors.New("session validator dependency required")
	errMissingNamespaceResolver = errors.New("namespace resolver dependency required")
	errMissingProgressService   = errors.New("progress service dependency required")
	errMissingDownloadService   = errors.New("download service dependency required")
	errMissingLibraryService    = errors.New("library service dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type GuestTokenIssuer interface {
	IssueGuestToken(ctx context.Context) (auth.GuestToken, error)
}

type NamespaceResolver interface {
	ResolveNamespace(claims auth.SessionClaims) (stories.Namespace, error)
}

type ProgressService interface {
	LoadProgress(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (progress.Progress, bool, error)
	Current(namespace stories.Namespace, storyID stories.StoryID) (progress.Progress, bool)
	RecordProgress(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID, rawPercentage int) (progress.RecordResult, error)
	MarkComplete(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (progress.RecordResult, error)
}

type DownloadService interface {
	Restore(ctx context.Context, namespace stories.Namespace) error
	Lookup(namespace stories.Namespace, storyID stories.StoryID) (downloads.Record, bool)
	Get(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (downloads.Record, bool, error)
	List(namespace stories.Namespace) []downloads.Record
	Download(ctx context.Context, namespace stories.Namespace, summary stories.StorySummary, content json.RawMessage) (downloads.Record, error)
	DownloadFromSource(ctx context.Context, namespace stories.Namespace, summary stories.StorySummary) (downloads.Record, error)
	DeleteDownload(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) error
}

type LibraryService interface {
	Add(ctx context.Context, namespace stories.Namespace, summary stories.StorySummary) (library.Entry, bool, error)
	Remove(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (bool, error)
	Contains(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (bool, error)
	List(ctx context.Context, namespace stories.Namespace) ([]library.Entry, error)
}

// ReadingSessions drives the open reading screens of a namespace.
type ReadingSessions interface {
	Scroll(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID, metrics reading.ScrollMetrics) (progress.RecordResult, error)
	Close(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (bool, error)
}

// NamespaceResetter wipes the reading state of a namespace while the service runs.
type NamespaceResetter interface {
	ResetNamespace(ctx context.Context, namespace stories.Namespace) error
}

// Dependencies wires the reading services into the HTTP API. GuestTokens, Reading,
// Reset and Realtime are optional; their routes are only mounted when present.
type Dependencies struct {
	Sessions          SessionValidator
	GuestTokens       GuestTokenIssuer
	Namespaces        NamespaceResolver
	Progress          ProgressService
	Downloads         DownloadService
	Library           LibraryService
	Reading           ReadingSessions
	Reset             NamespaceResetter
	Realtime          *RealtimeDispatcher
	CookieName        string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Namespaces == nil:
		return nil, errMissingNamespaceResolver
	case deps.Progress == nil:
		return nil, errMissingProgressService
	case deps.Downloads == nil:
		return nil, errMissingDownloadService
	case deps.Library == nil:
		return nil, errMissingLibraryService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:          deps.Sessions,
		guestTokens:       deps.GuestTokens,
		namespaces:        deps.Namespaces,
		progress:          deps.Progress,
		downloads:         deps.Downloads,
		library:           deps.Library,
		reading:           deps.Reading,
		reset:             deps.Reset,
		realtime:          deps.Realtime,
		cookieName:        strings.TrimSpace(deps.CookieName),
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	if handler.guestTokens != nil {
		router.POST("/auth/guest", handler.handleGuestSession)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stories/:id/progress", handler.handleGetProgress)
	protected.PUT("/stories/:id/progress", handler.handleRecordProgress)
	protected.POST("/stories/:id/complete", handler.handleMarkComplete)
	protected.GET("/library", handler.handleListLibrary)
	protected.POST("/library", handler.handleAddToLibrary)
	protected.GET("/library/:id", handler.handleLibraryContains)
	protected.DELETE("/library/:id", handler.handleRemoveFromLibrary)

	offline := protected.Group("/")
	offline.Use(handler.restoreDownloads)
	offline.GET("/stories/:id/download", handler.handleGetDownload)
	offline.POST("/stories/:id/download", handler.handleDownload)
	offline.DELETE("/stories/:id/download", handler.handleDeleteDownload)
	offline.GET("/downloads", handler.handleListDownloads)

	if handler.reading != nil {
		protected.POST("/stories/:id/scroll", handler.handleScroll)
		protected.DELETE("/stories/:id/session", handler.handleCloseSession)
	}

	if handler.reset != nil {
		protected.DELETE("/reading-state", handler.handleResetNamespace)
	}

	if handler.realtime != nil {
		protected.GET("/events", handler.handleEvents)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions          SessionValidator
	guestTokens       GuestTokenIssuer
	namespaces        NamespaceResolver
	progress          ProgressService
	downloads         DownloadService
	library           LibraryService
	reading           ReadingSessions
	reset             NamespaceResetter
	realtime          *RealtimeDispatcher
	cookieName        string
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type guestSessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleGuestSession(c *gin.Context) {
	guest, err := h.guestTokens.IssueGuestToken(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to issue guest token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	if h.cookieName != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.cookieName, guest.Token, int(guest.ExpiresIn), "/", "", c.Request.TLS != nil, true)
	}
	c.JSON(http.StatusOK, guestSessionResponsePayload{
		AccessToken: guest.Token,
		ExpiresIn:   guest.ExpiresIn,
		TokenType:   "Bearer",
	})
}

type progressResponsePayload struct {
	progress.Progress
	JustCompleted bool `json:"just_completed"`
}

type recordProgressRequestPayload struct {
	Percentage *int `json:"percentage"`
}

func (h *httpHandler) handleGetProgress(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	if current, tracked := h.progress.Current(namespace, storyID); tracked {
		c.JSON(http.StatusOK, progressResponsePayload{Progress: current})
		return
	}
	stored, found, err := h.progress.LoadProgress(c.Request.Context(), namespace, storyID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "progress_read_failed", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress_not_found"})
		return
	}
	c.JSON(http.StatusOK, progressResponsePayload{Progress: stored})
}

func (h *httpHandler) handleRecordProgress(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	var request recordProgressRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Percentage == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.progress.RecordProgress(c.Request.Context(), namespace, storyID, *request.Percentage)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "progress_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, progressResponsePayload{Progress: result.Progress, JustCompleted: result.JustCompleted})
}

func (h *httpHandler) handleMarkComplete(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	result, err := h.progress.MarkComplete(c.Request.Context(), namespace, storyID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "mark_complete_failed", err)
		return
	}
	c.JSON(http.StatusOK, progressResponsePayload{Progress: result.Progress, JustCompleted: result.JustCompleted})
}

type scrollRequestPayload struct {
	Offset         *float64 `json:"offset"`
	ContentHeight  float64  `json:"content_height"`
	ViewportHeight float64  `json:"viewport_height"`
}

func (h *httpHandler) handleScroll(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	var request scrollRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Offset == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.reading.Scroll(c.Request.Context(), namespace, storyID, reading.ScrollMetrics{
		Offset:         *request.Offset,
		ContentHeight:  request.ContentHeight,
		ViewportHeight: request.ViewportHeight,
	})
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "progress_update_failed", err)
		return
	}
	if result.Progress.StoryID == "" {
		// Same percentage as the previous event; nothing was recorded.
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, progressResponsePayload{Progress: result.Progress, JustCompleted: result.JustCompleted})
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	closed, err := h.reading.Close(c.Request.Context(), namespace, storyID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "session_close_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"story_id": storyID, "closed": closed})
}

type downloadRequestPayload struct {
	Summary stories.StorySummary `json:"summary"`
	Content json.RawMessage      `json:"content"`
}

type downloadResponsePayload struct {
	StoryID       stories.StoryID       `json:"story_id"`
	Status        downloads.Status      `json:"status"`
	Summary       *stories.StorySummary `json:"summary,omitempty"`
	SizeBytes     int64                 `json:"size_bytes,omitempty"`
	DownloadedAt  *time.Time            `json:"downloaded_at,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
	Content       json.RawMessage       `json:"content,omitempty"`
}

func newDownloadResponsePayload(storyID stories.StoryID, record downloads.Record, includeContent bool) downloadResponsePayload {
	payload := downloadResponsePayload{
		StoryID:       storyID,
		Status:        record.Status,
		SizeBytes:     record.SizeBytes,
		FailureReason: record.FailureReason,
	}
	if payload.Status == "" {
		payload.Status = downloads.StatusNotDownloaded
	}
	if record.Summary.StoryID != "" {
		summary := record.Summary
		payload.Summary = &summary
	}
	if !record.DownloadedAt.IsZero() {
		downloadedAt := record.DownloadedAt
		payload.DownloadedAt = &downloadedAt
	}
	if includeContent {
		payload.Content = record.Content
	}
	return payload
}

func (h *httpHandler) handleGetDownload(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	if c.Query("include") != "content" {
		record, _ := h.downloads.Lookup(namespace, storyID)
		c.JSON(http.StatusOK, newDownloadResponsePayload(storyID, record, false))
		return
	}
	record, _, err := h.downloads.Get(c.Request.Context(), namespace, storyID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "download_read_failed", err)
		return
	}
	c.JSON(http.StatusOK, newDownloadResponsePayload(storyID, record, true))
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	var request downloadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	summary := request.Summary
	summary.StoryID = storyID

	var (
		record downloads.Record
		err    error
	)
	body := bytes.TrimSpace(request.Content)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		record, err = h.downloads.DownloadFromSource(c.Request.Context(), namespace, summary)
	} else {
		record, err = h.downloads.Download(c.Request.Context(), namespace, summary, request.Content)
	}
	if err != nil {
		h.respondDownloadError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newDownloadResponsePayload(storyID, record, false))
}

func (h *httpHandler) handleDeleteDownload(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	if err := h.downloads.DeleteDownload(c.Request.Context(), namespace, storyID); err != nil {
		h.respondDownloadError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListDownloads(c *gin.Context) {
	namespace := namespaceFromContext(c)
	records := h.downloads.List(namespace)
	payload := make([]downloadResponsePayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newDownloadResponsePayload(record.StoryID, record, false))
	}
	c.JSON(http.StatusOK, gin.H{"downloads": payload})
}

func (h *httpHandler) respondDownloadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, downloads.ErrDownloadInFlight):
		h.respondError(c, http.StatusConflict, "download_in_flight", err)
	case errors.Is(err, downloads.ErrInvalidContent):
		h.respondError(c, http.StatusBadRequest, "invalid_content", err)
	case errors.Is(err, downloads.ErrNoContentSource):
		h.respondError(c, http.StatusServiceUnavailable, "content_source_unavailable", err)
	case errors.Is(err, content.ErrStoryNotFound):
		h.respondError(c, http.StatusNotFound, "story_not_found", err)
	case errors.Is(err, downloads.ErrContentFetch):
		h.respondError(c, http.StatusBadGateway, "content_fetch_failed", err)
	default:
		h.respondError(c, http.StatusInternalServerError, "download_failed", err)
	}
}

func (h *httpHandler) handleResetNamespace(c *gin.Context) {
	namespace := namespaceFromContext(c)
	if err := h.reset.ResetNamespace(c.Request.Context(), namespace); err != nil {
		if errors.Is(err, downloads.ErrDownloadInFlight) {
			h.respondError(c, http.StatusConflict, "download_in_flight", err)
			return
		}
		h.respondError(c, http.StatusInternalServerError, "reset_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type libraryAddResponsePayload struct {
	Entry library.Entry `json:"entry"`
	Added bool          `json:"added"`
}

func (h *httpHandler) handleListLibrary(c *gin.Context) {
	entries, err := h.library.List(c.Request.Context(), namespaceFromContext(c))
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "library_read_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stories": entries})
}

func (h *httpHandler) handleAddToLibrary(c *gin.Context) {
	namespace := namespaceFromContext(c)
	var summary stories.StorySummary
	if err := c.ShouldBindJSON(&summary); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	storyID, err := stories.NewStoryID(summary.StoryID.String())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_story_id"})
		return
	}
	summary.StoryID = storyID

	entry, added, err := h.library.Add(c.Request.Context(), namespace, summary)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "library_update_failed", err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	c.JSON(status, libraryAddResponsePayload{Entry: entry, Added: added})
}

func (h *httpHandler) handleLibraryContains(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	saved, err := h.library.Contains(c.Request.Context(), namespace, storyID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "library_read_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"story_id": storyID, "saved": saved})
}

func (h *httpHandler) handleRemoveFromLibrary(c *gin.Context) {
	namespace, storyID, ok := h.storyScope(c)
	if !ok {
		return
	}
	removed, err := h.library.Remove(c.Request.Context(), namespace, storyID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "library_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"story_id": storyID, "removed": removed})
}

type completionEventPayload struct {
	StoryID    stories.StoryID `json:"story_id"`
	Percentage int             `json:"percentage"`
	Timestamp  string          `json:"timestamp"`
}

type heartbeatEventPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	namespace := namespaceFromContext(c)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, namespace)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, completionEventPayload{
				StoryID:    message.StoryID,
				Percentage: message.Percentage,
				Timestamp:  message.Timestamp.UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validateSession(c.Request)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	namespace, err := h.namespaces.ResolveNamespace(claims)
	if err != nil {
		h.logger.Warn("namespace resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_identity"})
		return
	}
	c.Set(namespaceContextKey, namespace)
	c.Next()
}

// validateSession accepts the access_token query parameter for EventSource
// clients, which cannot set headers.
func (h *httpHandler) validateSession(request *http.Request) (auth.SessionClaims, error) {
	if token := strings.TrimSpace(request.URL.Query().Get(accessTokenQueryKey)); token != "" && request.Header.Get("Authorization") == "" {
		return h.sessions.ValidateToken(token)
	}
	return h.sessions.ValidateRequest(request)
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

func (h *httpHandler) restoreDownloads(c *gin.Context) {
	namespace := namespaceFromContext(c)
	if err := h.downloads.Restore(c.Request.Context(), namespace); err != nil {
		h.logger.Error("failed to restore downloads", zap.String("namespace", namespace.String()), zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "download_restore_failed", err)
		c.Abort()
		return
	}
	c.Next()
}

func (h *httpHandler) storyScope(c *gin.Context) (stories.Namespace, stories.StoryID, bool) {
	namespace := namespaceFromContext(c)
	if namespace == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	storyID, err := stories.NewStoryID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_story_id"})
		return "", "", false
	}
	return namespace, storyID, true
}

func (h *httpHandler) respondError(c *gin.Context, status int, errorCode string, err error) {
	payload := gin.H{"error": errorCode}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		payload["code"] = coded.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("error_code", errorCode), zap.Error(err))
	}
	c.JSON(status, payload)
}

func namespaceFromContext(c *gin.Context) stories.Namespace {
	value, ok := c.Get(namespaceContextKey)
	if !ok {
		return ""
	}
	namespace, _ := value.(stories.Namespace)
	return namespace
}
