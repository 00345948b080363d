package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	photoDir string
	handlers *Handlers
}

// NewServer creates a server for addr. Photos under photoDir are served at
// /photos/.
func NewServer(addr, photoDir string, deps Deps) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoStatic, err)
	}
	return &Server{
		addr:     addr,
		photoDir: photoDir,
		handlers: NewHandlers(deps, subFS),
	}, nil
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /rotate", s.handlers.HandleRotate)
	mux.HandleFunc("POST /run", s.handlers.HandleRun)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /devices", s.handlers.HandleDevices)
	mux.HandleFunc("POST /devices/refresh", s.handlers.HandleDevicesRefresh)
	mux.HandleFunc("POST /devices/apply", s.handlers.HandleDevicesApply)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	if s.photoDir != "" {
		mux.Handle("GET /photos/", http.StripPrefix("/photos/", http.FileServer(http.Dir(s.photoDir))))
	}
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web: listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
