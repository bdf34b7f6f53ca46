package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/metrics"
	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/pipeline"
)

type Server struct {
	coord      *pipeline.Coordinator
	hub        *Hub
	logger     *logrus.Logger
	port       string
	authSecret string
}

func NewServer(coord *pipeline.Coordinator, logger *logrus.Logger, port, authSecret string) *Server {
	s := &Server{
		coord:      coord,
		hub:        NewHub(logger),
		logger:     logger,
		port:       port,
		authSecret: authSecret,
	}
	coord.Subscribe(s.hub.PublishRun)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.Handle("/api/stream", s.hub)
	mux.Handle("/metrics", metrics.Handler())

	return corsMiddleware(s.authMiddleware(mux))
}

// Start serves until ctx is cancelled, then drains for up to 10 seconds.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %s", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"mode":        s.coord.Mode(),
		"subscribers": s.hub.Subscribers(),
		"timestamp":   time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mode := s.coord.Mode()
	if q := r.URL.Query().Get("mode"); q != "" {
		m, err := models.ParseMode(q)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		mode = m
	}

	if r.URL.Query().Get("value") == "true" {
		val, err := s.coord.Valuate(r.Context(), mode)
		if err != nil {
			s.logger.WithError(err).Error("Failed to value positions")
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, val)
		return
	}

	positions, err := s.coord.Ledger().GetAll(r.Context(), mode)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read positions")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":      mode,
		"positions": positions,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid run request: %v", err)})
		return
	}

	// the run outlives a disconnecting client; stages past Executing must finish
	res, err := s.coord.Run(context.WithoutCancel(r.Context()), req)
	s.writeJSON(w, statusFor(err), res)
}

func statusFor(err error) int {
	switch pipeline.CodeOf(err) {
	case "":
		if err != nil {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	case pipeline.CodeLockContention:
		return http.StatusConflict
	case pipeline.CodeConfig, pipeline.CodeValidation:
		return http.StatusUnprocessableEntity
	case pipeline.CodeLockUnavailable, pipeline.CodeSnapshot:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
