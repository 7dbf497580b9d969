package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxWebhookBody caps the inbound payload. Signals are a few hundred bytes;
// anything larger is not a trading signal.
const maxWebhookBody = 64 * 1024

// Handlers holds the HTTP endpoint implementations.
type Handlers struct {
	deps   Deps
	start  time.Time
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps:   deps,
		start:  time.Now(),
		logger: logger.With("component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"dryRun":        h.deps.Config.DryRun,
		"uptimeSeconds": int64(time.Since(h.start).Seconds()),
	})
}

func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	resp := h.deps.Processor.Process(r.Context(), body)
	writeJSON(w, resp.HTTPStatus, resp)
}

func (h *Handlers) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	report := h.deps.Processor.Validate(r.Context(), body)
	writeJSON(w, report.HTTPStatus, report)
}
