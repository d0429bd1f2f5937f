package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safezone/mibs/internal/auth"
	"github.com/safezone/mibs/internal/delivery"
)

// JournalReader is the read side of delivery.RedisJournal.
type JournalReader interface {
	Entries(ctx context.Context, messageID uuid.UUID) (map[string]delivery.JournalEntry, error)
}

type deliveriesResponse struct {
	MessageID  uuid.UUID                        `json:"message_id"`
	Recipients map[string]delivery.JournalEntry `json:"recipients"`
}

func (s *Server) getDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if s.Journal == nil {
		writeError(w, http.StatusNotFound, "journal_disabled")
		return
	}
	// ownership is checked in Postgres before Redis is read
	if _, err := s.Store.GetMessage(r.Context(), auth.UserID(r.Context()), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	entries, err := s.Journal.Entries(r.Context(), id)
	if err != nil {
		s.Log.Warn("journal read failed", zap.String("message_id", id.String()), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "journal_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, deliveriesResponse{MessageID: id, Recipients: entries})
}
