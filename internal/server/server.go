package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ivlev/sherdmark/internal/inference"
	"github.com/ivlev/sherdmark/internal/pipeline"
	"github.com/ivlev/sherdmark/internal/source"
	"github.com/ivlev/sherdmark/internal/system"
)

// MaxUploadBytes bounds a single photograph upload.
const MaxUploadBytes = 50 << 20

// Processor is the part of pipeline.Processor the HTTP surface needs.
type Processor interface {
	Process(ctx context.Context, imagePath string, totalWeight float64) (*pipeline.Result, error)
}

type Handler struct {
	proc   Processor
	logger *zap.Logger
}

// New builds the router for serve mode.
func New(proc Processor, logger *zap.Logger) http.Handler {
	h := &Handler{proc: proc, logger: logger.Named("server")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Post("/v1/process", h.Process)

	return r
}

// Run serves h on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// Process handles POST /v1/process with a multipart "file" and optional "total_weight".
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var totalWeight float64
	if v := strings.TrimSpace(r.FormValue("total_weight")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
			respondError(w, "total_weight must be a positive number", http.StatusBadRequest)
			return
		}
		totalWeight = f
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, "no file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !system.IsImage(ext) {
		respondError(w, "unsupported file type "+ext, http.StatusBadRequest)
		return
	}

	tmp, err := os.CreateTemp("", "sherdmark-upload-*"+ext)
	if err != nil {
		h.logger.Error("create temp file", zap.Error(err))
		respondError(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer os.Remove(tmp.Name())

	_, copyErr := io.Copy(tmp, file)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		h.logger.Error("store upload", zap.Error(err))
		respondError(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	reqID := middleware.GetReqID(r.Context())
	res, err := h.proc.Process(r.Context(), tmp.Name(), totalWeight)
	if err != nil {
		status := statusFor(err)
		h.logger.Warn("process failed",
			zap.String("request_id", reqID),
			zap.String("file", header.Filename),
			zap.Int("status", status),
			zap.Error(err),
		)
		respondError(w, err.Error(), status)
		return
	}

	h.logger.Info("processed upload",
		zap.String("request_id", reqID),
		zap.String("file", header.Filename),
		zap.Int("sherds", len(res.Sherds)),
	)
	if err := respondJSON(w, res, http.StatusOK); err != nil {
		h.logger.Error("encode response",
			zap.String("request_id", reqID),
			zap.String("file", header.Filename),
			zap.Error(err),
		)
	}
}

func statusFor(err error) int {
	var (
		loadErr *source.ImageLoadError
		callErr *inference.CallError
		respErr *inference.ResponseError
	)
	switch {
	case errors.As(err, &loadErr), errors.Is(err, pipeline.ErrInvalidWeight):
		return http.StatusBadRequest
	case errors.As(err, &callErr), errors.As(err, &respErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON marshals data before writing the header; a marshal failure becomes a 500.
func respondJSON(w http.ResponseWriter, data any, status int) error {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal error"}`))
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(append(body, '\n'))
	return err
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}

// corsMiddleware lets the field app post photos from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
