package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"terratex/internal/catalog"
	"terratex/internal/config"
	"terratex/internal/gpu"
	"terratex/internal/renderer"
	"terratex/internal/texcache"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	catalog  *catalog.Catalog
	renderer *renderer.Renderer
}

func New(config *config.Config, logger *zap.Logger, catalog *catalog.Catalog, renderer *renderer.Renderer) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		catalog:  catalog,
		renderer: renderer,
	}
}

// Routes registers every endpoint on a new mux wrapped in the middlewares.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/trees", h.HandleTrees)
	mux.HandleFunc("/api/trees/", h.HandleTreeRoutes)
	mux.HandleFunc("/api/cache/stats", h.HandleCacheStats)
	mux.HandleFunc("/api/cache/trim", h.HandleCacheTrim)
	mux.HandleFunc("/healthz", h.HandleHealthz)

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigin := h.config.AllowedOrigin
		if allowedOrigin == "" {
			allowedOrigin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleTrees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.catalog.Entries())
}

func (h *Handlers) HandleTreeRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/trees/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	id := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "meta":
		h.handleMeta(w, r, id)
	case len(parts) == 5 && parts[1] == "tiles":
		h.handleTile(w, r, id, parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.renderer.Stats())
}

func (h *Handlers) HandleCacheTrim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.renderer.Trim()
	h.logger.Info("Texture cache trimmed")
	writeJSON(w, h.renderer.Stats())
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) handleMeta(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meta, err := h.renderer.Meta(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, meta)
}

// handleTile serves /api/trees/{id}/tiles/{level}/{row}/{col}.png
func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, id string, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	level, err := strconv.Atoi(tileParts[0])
	if err != nil {
		http.Error(w, "Invalid level", http.StatusBadRequest)
		return
	}
	row, err := strconv.Atoi(tileParts[1])
	if err != nil {
		http.Error(w, "Invalid row", http.StatusBadRequest)
		return
	}

	tileFile := tileParts[2]
	ext := filepath.Ext(tileFile)
	if ext != ".png" {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	col, err := strconv.Atoi(strings.TrimSuffix(tileFile, ext))
	if err != nil {
		http.Error(w, "Invalid column", http.StatusBadRequest)
		return
	}

	if level < 0 || row < 0 || col < 0 {
		http.Error(w, "Coordinates must be non-negative", http.StatusBadRequest)
		return
	}

	result, err := h.renderer.RenderTile(id, level, row, col)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to render tile", zap.String("tree", id), zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("ETag", `"`+result.ETag+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", result.Size))
	w.Header().Set("Content-Type", "image/png")

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

func statusFor(err error) int {
	var decodeErr *texcache.DecodeError
	var exhausted *gpu.ResourceExhaustedError
	switch {
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, renderer.ErrOutOfRange):
		return http.StatusNotFound
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
