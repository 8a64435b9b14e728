// Package httpapi serves the local diagnostics endpoints of the sync client:
// health, Prometheus metrics, a dump of the read model, blob cache
// diagnostics and the content behind minted object URLs.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dvkpatel11/roomly-harmony-space/internal/blobcache"
	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/chatsync"
	"github.com/dvkpatel11/roomly-harmony-space/internal/metrics"
	"github.com/dvkpatel11/roomly-harmony-space/internal/securelog"
)

const requestIDHeader = "X-Request-ID"

// StateSource is the part of the engine the diagnostics read.
type StateSource interface {
	Snapshot() chatsync.Snapshot
	Households() []chatsync.HouseholdSummary
}

// BlobSource is the part of the blob cache the diagnostics use.
type BlobSource interface {
	Diagnose(ctx context.Context, key string) blobcache.Diagnosis
	Refresh(ctx context.Context, key string) (string, error)
	URLs() *blobcache.URLRegistry
}

type Options struct {
	State StateSource
	// Blobs is optional; without it the blob routes answer 503.
	Blobs    BlobSource
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type Handler struct {
	state StateSource
	blobs BlobSource
	log   zerolog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts Options) *gin.Engine {
	h := &Handler{
		state: opts.State,
		blobs: opts.Blobs,
		log:   opts.Logger.With().Str("component", "httpapi").Logger(),
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(requestID(), accessLog(h.log), countRequests(opts.Metrics), gin.Recovery())

	r.GET("/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/debug/state", h.handleState)
	r.GET("/debug/blobs/:key", h.handleDiagnose)
	r.POST("/debug/blobs/:key/refresh", h.handleRefresh)
	r.GET("/objects/:id", h.handleObject)
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("request_id", c.Writer.Header().Get(requestIDHeader)).
			Msg("http request")
	}
}

func countRequests(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.HTTPRequest(c.Request.Method, routePath(c), strconv.Itoa(c.Writer.Status()))
	}
}

// routePath is the registered route, keeping label cardinality bounded.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

type healthResponse struct {
	Status     string `json:"status"`
	Connection string `json:"connection"`
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Connection: h.state.Snapshot().ConnectionState})
}

type stateResponse struct {
	Snapshot   chatsync.Snapshot           `json:"snapshot"`
	Households []chatsync.HouseholdSummary `json:"households"`
}

func (h *Handler) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, stateResponse{Snapshot: h.state.Snapshot(), Households: h.state.Households()})
}

func (h *Handler) handleDiagnose(c *gin.Context) {
	if !h.requireBlobs(c) {
		return
	}
	d := h.blobs.Diagnose(c.Request.Context(), c.Param("key"))
	status := http.StatusOK
	if !d.InStore && !d.Refreshed {
		status = http.StatusNotFound
	}
	c.JSON(status, d)
}

type refreshResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

func (h *Handler) handleRefresh(c *gin.Context) {
	if !h.requireBlobs(c) {
		return
	}
	key := c.Param("key")
	url, err := h.blobs.Refresh(c.Request.Context(), key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrBlobNotFound) {
			status = http.StatusNotFound
		}
		h.writeError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, refreshResponse{Key: key, URL: url})
}

func (h *Handler) handleObject(c *gin.Context) {
	if !h.requireBlobs(c) {
		return
	}
	data, mimeType, ok := h.blobs.URLs().Resolve(c.Param("id"))
	if !ok {
		h.writeError(c, http.StatusNotFound, errors.New("object url revoked or unknown"))
		return
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, mimeType, data)
}

func (h *Handler) requireBlobs(c *gin.Context) bool {
	if h.blobs != nil {
		return true
	}
	h.writeError(c, http.StatusServiceUnavailable, errors.New("blob cache not configured"))
	return false
}

func (h *Handler) writeError(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		securelog.Error(h.log, "httpapi", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
