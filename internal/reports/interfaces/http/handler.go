package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	reportsapp "feesync/internal/reports/application"
)

// MirrorRunner runs one report mirror pass.
type MirrorRunner interface {
	Run(ctx context.Context) (reportsapp.MirrorResult, error)
}

// Handler serves the report mirror trigger.
type Handler struct {
	runner  MirrorRunner
	logger  *zap.Logger
	running atomic.Bool
}

// NewHandler constructs a Handler.
func NewHandler(runner MirrorRunner, logger *zap.Logger) (*Handler, error) {
	if runner == nil {
		return nil, errors.New("reports handler: nil runner")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{runner: runner, logger: logger}, nil
}

// Routes mounts POST /api/v1/reports/mirror.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/v1/reports/mirror", h.handleMirror)
}

type failureView struct {
	File  string `json:"file"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

type droppedView struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type mirrorResponse struct {
	Status      reportsapp.MirrorStatus `json:"status"`
	Listed      int                     `json:"listed"`
	Matched     int                     `json:"matched"`
	Selected    []string                `json:"selected"`
	Dropped     []droppedView           `json:"dropped"`
	Uploaded    []string                `json:"uploaded"`
	Failures    []failureView           `json:"failures"`
	FolderWiped bool                    `json:"folder_wiped"`
	RetryRounds int                     `json:"retry_rounds"`
	DurationMS  int64                   `json:"duration_ms"`
	Error       string                  `json:"error,omitempty"`
}

func (h *Handler) handleMirror(w http.ResponseWriter, r *http.Request) {
	if !h.running.CompareAndSwap(false, true) {
		http.Error(w, "mirror already running", http.StatusConflict)
		return
	}
	defer h.running.Store(false)

	result, err := h.runner.Run(r.Context())
	resp := newMirrorResponse(result)
	status := http.StatusOK
	if err != nil {
		h.logger.Error("report mirror request failed", zap.Error(err))
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func newMirrorResponse(result reportsapp.MirrorResult) mirrorResponse {
	resp := mirrorResponse{
		Status:      result.Status,
		Listed:      result.Listed,
		Matched:     result.Matched,
		Selected:    append([]string{}, result.Selected...),
		Uploaded:    append([]string{}, result.Uploaded...),
		Dropped:     make([]droppedView, 0, len(result.Dropped)),
		Failures:    make([]failureView, 0, len(result.Failures)),
		FolderWiped: result.FolderWiped,
		RetryRounds: result.RetryRounds,
		DurationMS:  result.Duration.Milliseconds(),
	}
	for _, d := range result.Dropped {
		resp.Dropped = append(resp.Dropped, droppedView{File: d.File.Filename, Reason: string(d.Reason), Detail: d.Detail})
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, failureView{File: f.File.Filename, Stage: f.Stage, Error: f.Err})
	}
	return resp
}
