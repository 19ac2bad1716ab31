package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/bonus-service/internal/domain"
	"github.com/transfa/bonus-service/internal/store"
)

// Reader is the read side of the store used by the inspection endpoints.
type Reader interface {
	Ping(ctx context.Context) error
	FindProcessingRecord(ctx context.Context, eventID uuid.UUID) (*domain.ProcessingRecord, error)
	FindPlayerBonus(ctx context.Context, userID uuid.UUID) (*domain.PlayerBonus, error)
}

type Handlers struct {
	store  Reader
	logger *slog.Logger
}

func NewHandlers(reader Reader, logger *slog.Logger) *Handlers {
	return &Handlers{store: reader, logger: logger}
}

// ReadyHandler reports whether storage answers a ping.
func (h *Handlers) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (h *Handlers) GetProcessingRecordHandler(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventId"))
	if err != nil {
		http.Error(w, "Invalid event ID format", http.StatusBadRequest)
		return
	}

	record, err := h.store.FindProcessingRecord(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			http.Error(w, "Processing record not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load processing record", "event_id", eventID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) GetPlayerBonusHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		http.Error(w, "Invalid user ID format", http.StatusBadRequest)
		return
	}

	account, err := h.store.FindPlayerBonus(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			http.Error(w, "Bonus account not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load bonus account", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
