package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/pool"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

type ExecutionRequest struct {
	Language       string   `json:"language"`
	SourceCode     string   `json:"source_code"`
	Args           []string `json:"args"`
	InputFile      *string  `json:"input_file"`
	ExpectedOutput *string  `json:"expected_output"`
	RepeatCount    int      `json:"repeat_count"`
	ForcePull      *bool    `json:"force_pull"`
}

type LanguageResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Image      string `json:"image"`
	SourceFile string `json:"source_file"`
	Compiled   bool   `json:"compiled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Backend is the part of the engine the handlers need.
type Backend interface {
	Languages() []languages.Profile
	Pool() *pool.Manager
}

type Handler struct {
	queueManager *queue.Manager
	backend      Backend
	timeout      time.Duration
	logger       *zerolog.Logger
}

func NewHandler(manager *queue.Manager, backend Backend, timeout time.Duration, logger *zerolog.Logger) *Handler {
	return &Handler{
		queueManager: manager,
		backend:      backend,
		timeout:      timeout,
		logger:       logger,
	}
}

func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ExecutionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceCode == "" {
		writeError(w, http.StatusBadRequest, "source_code is required")
		return
	}
	if !h.knownLanguage(req.Language) {
		writeError(w, http.StatusBadRequest, "unsupported language: "+req.Language)
		return
	}
	// an omitted repeat_count means a single run
	if req.RepeatCount == 0 {
		req.RepeatCount = 1
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := uuid.NewString()
	res, err := h.queueManager.Run(ctx, id, executor.Submission{
		Language:       req.Language,
		Source:         req.SourceCode,
		Args:           req.Args,
		InputFile:      req.InputFile,
		ExpectedOutput: req.ExpectedOutput,
		RepeatCount:    req.RepeatCount,
		ForcePull:      req.ForcePull,
	})
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		switch status {
		case http.StatusGatewayTimeout:
			msg = "execution timed out"
		case http.StatusInternalServerError:
			h.logger.Error().Err(err).Str("job_id", id).Msg("execution failed")
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	profiles := h.backend.Languages()
	out := make([]LanguageResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, LanguageResponse{
			ID:         p.ID,
			Name:       p.Name,
			Image:      p.Image,
			SourceFile: p.SourceFile,
			Compiled:   len(p.Compile) > 0,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) PoolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Pool().Stats())
}

func (h *Handler) knownLanguage(id string) bool {
	for _, p := range h.backend.Languages() {
		if p.ID == id {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrInvalidRepeatCount), errors.Is(err, languages.ErrLanguageNotFound):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
