// Package api is the HTTP facade over the session core: a thin
// translation of URL paths to session calls. Every JSON endpoint
// answers with the status/command/reason envelope; read results are
// streamed as binary bodies with metadata in headers.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lidarhub/pointserve/internal/db"
	"github.com/lidarhub/pointserve/internal/session"
)

// ANSI escape codes for request logging.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	manager *session.Manager
	db      *db.DB // optional; nil disables persistence endpoints

	// dataDir, when set, confines every client-supplied filesystem
	// path (serialize targets, pipeline aux paths) to one directory.
	dataDir string

	// previewMaxCells caps the raster size the preview endpoint will
	// render into a PNG.
	previewMaxCells int

	server *http.Server

	// cancelMu guards the rendezvous between a waiting read handler
	// and a cancel arriving for the same read id.
	cancelMu      sync.Mutex
	cancelWaiters map[string]chan struct{}
	preCancelled  map[string]bool
}

// DefaultPreviewMaxCells caps preview rasters at a megacell.
const DefaultPreviewMaxCells = 1 << 20

// NewServer builds the facade. database may be nil; pipeline
// persistence and the read log are skipped in that case. An empty
// dataDir leaves client-supplied paths unrestricted.
func NewServer(manager *session.Manager, database *db.DB, dataDir string) *Server {
	return &Server{
		manager:         manager,
		db:              database,
		dataDir:         dataDir,
		previewMaxCells: DefaultPreviewMaxCells,
		cancelWaiters:   make(map[string]chan struct{}),
		preCancelled:    make(map[string]bool),
	}
}

// SetPreviewMaxCells overrides the preview raster size cap.
func (s *Server) SetPreviewMaxCells(cells int) {
	if cells > 0 {
		s.previewMaxCells = cells
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux wires up the HTTP routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/sessions", s.handleListSessions)
	mux.HandleFunc("/api/sessions/create", s.handleCreate)
	mux.HandleFunc("/api/sessions/parse", s.handleParse)
	mux.HandleFunc("/api/sessions/destroy", s.handleDestroy)
	mux.HandleFunc("/api/sessions/numpoints", s.handleNumPoints)
	mux.HandleFunc("/api/sessions/schema", s.handleSchema)
	mux.HandleFunc("/api/sessions/stats", s.handleStats)
	mux.HandleFunc("/api/sessions/srs", s.handleSRS)
	mux.HandleFunc("/api/sessions/fills", s.handleFills)
	mux.HandleFunc("/api/sessions/serialize", s.handleSerialize)
	mux.HandleFunc("/api/sessions/read", s.handleRead)
	mux.HandleFunc("/api/sessions/raster-preview", s.handleRasterPreview)

	mux.HandleFunc("/api/pipelines", s.handlePipelines)
	mux.HandleFunc("/api/reads/log", s.handleReadLog)

	return mux
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: LoggingMiddleware(s.ServeMux()),
	}

	go func() {
		log.Printf("Starting HTTP server on %s", addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}

// registerCancelWaiter returns a channel closed when the read id is
// cancelled over HTTP, accounting for a cancel that raced in before
// the waiter registered.
func (s *Server) registerCancelWaiter(readID string) chan struct{} {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	ch := make(chan struct{})
	if s.preCancelled[readID] {
		delete(s.preCancelled, readID)
		close(ch)
		return ch
	}
	s.cancelWaiters[readID] = ch
	return ch
}

func (s *Server) dropCancelWaiter(readID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	delete(s.cancelWaiters, readID)
	delete(s.preCancelled, readID)
}

func (s *Server) notifyCancel(readID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if ch, ok := s.cancelWaiters[readID]; ok {
		delete(s.cancelWaiters, readID)
		close(ch)
		return
	}
	s.preCancelled[readID] = true
}
