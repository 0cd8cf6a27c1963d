package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"fitnesse-backend/internal/observability"
)

// Result counts deleted rows per table.
type Result map[string]int64

// Cleaner removes expired state.
type Cleaner interface {
	Cleanup(ctx context.Context) (Result, error)
}

type CleanerFunc func(ctx context.Context) (Result, error)

func (f CleanerFunc) Cleanup(ctx context.Context) (Result, error) {
	return f(ctx)
}

// CleanupHandler lets an external scheduler trigger a sweep. It answers 404 when no cron
// secret is configured.
type CleanupHandler struct {
	cleaner    Cleaner
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(cleaner Cleaner, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		cleaner:    cleaner,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found."})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r.Header.Get("Authorization")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized."})
		return
	}

	result, err := h.cleaner.Cleanup(r.Context())
	if err != nil {
		h.logger.Error("state_cleanup_failed", map[string]any{"error": err.Error(), "trigger": "http"})
		observability.CaptureError(err, map[string]string{"component": "maintenance"})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error."})
		return
	}

	h.logger.Info("state_cleanup_completed", map[string]any{"deleted": result, "trigger": "http"})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func (h *CleanupHandler) authorized(header string) bool {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
