package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safezone/mibs/internal/auth"
	"github.com/safezone/mibs/internal/core"
	"github.com/safezone/mibs/internal/metrics"
)

// MessageStore is the authoring side of core.Store.
type MessageStore interface {
	CreateMessage(ctx context.Context, in core.NewMessage) (core.Message, error)
	GetMessage(ctx context.Context, userID string, id uuid.UUID) (core.Message, error)
	ListMessages(ctx context.Context, userID string, limit, offset int) ([]core.Message, error)
	UpdateMessage(ctx context.Context, userID string, id uuid.UUID, upd core.MessageUpdate) (core.Message, error)
	AddRecipients(ctx context.Context, userID string, id uuid.UUID, emails []string) ([]core.Recipient, error)
	DeleteMessage(ctx context.Context, userID string, id uuid.UUID) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Store MessageStore
	DB    Pinger
	Auth  func(http.Handler) http.Handler
	Log   *zap.Logger

	// Journal is optional; without it /mibs/{id}/deliveries answers 404.
	Journal JournalReader
}

func NewServer(store MessageStore, db Pinger, authn func(http.Handler) http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if authn == nil {
		authn = auth.HeaderMiddleware()
	}
	return &Server{Store: store, DB: db, Auth: authn, Log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.Log), middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/mibs", func(r chi.Router) {
		r.Use(s.Auth)
		r.Post("/", s.createMessage)
		r.Get("/", s.listMessages)
		r.Get("/{id}", s.getMessage)
		r.Put("/{id}", s.updateMessage)
		r.Post("/{id}/recipients", s.addRecipients)
		r.Get("/{id}/deliveries", s.getDeliveries)
		r.Delete("/{id}", s.deleteMessage)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeStoreError maps store sentinels to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, core.ErrMessageSent):
		writeError(w, http.StatusConflict, "already_sent")
	case errors.Is(err, core.ErrEmptyBody):
		writeError(w, http.StatusBadRequest, "empty_body")
	case errors.Is(err, core.ErrNoRecipients):
		writeError(w, http.StatusBadRequest, "no_email_recipients")
	case errors.Is(err, core.ErrUserRequired):
		writeError(w, http.StatusUnauthorized, "user_required")
	default:
		s.Log.Error("store failure",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func messageID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return uuid.Nil, false
	}
	return id, true
}

type createRequest struct {
	Body          string              `json:"body"`
	ScheduledTime time.Time           `json:"scheduled_time"`
	Recipients    []core.RawRecipient `json:"recipients"`
}

type createResponse struct {
	core.Message
	Unsupported []core.RecipientAddress `json:"unsupported,omitempty"`
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var in createRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if in.ScheduledTime.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_time_required")
		return
	}
	emails, unsupported := core.SplitAddresses(in.Recipients)

	msg, err := s.Store.CreateMessage(r.Context(), core.NewMessage{
		UserID:        auth.UserID(r.Context()),
		Body:          in.Body,
		ScheduledTime: in.ScheduledTime,
		Emails:        emails,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	metrics.MessagesCreated.Inc()
	writeJSON(w, http.StatusCreated, createResponse{Message: msg, Unsupported: unsupported})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	items, err := s.Store.ListMessages(r.Context(), auth.UserID(r.Context()), limit, offset)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if items == nil {
		items = []core.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	msg, err := s.Store.GetMessage(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type updateRequest struct {
	Body          *string    `json:"body"`
	ScheduledTime *time.Time `json:"scheduled_time"`
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	var in updateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	msg, err := s.Store.UpdateMessage(r.Context(), auth.UserID(r.Context()), id, core.MessageUpdate{
		Body:          in.Body,
		ScheduledTime: in.ScheduledTime,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) addRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	var in struct {
		Recipients []core.RawRecipient `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	emails, unsupported := core.SplitAddresses(in.Recipients)
	added, err := s.Store.AddRecipients(r.Context(), auth.UserID(r.Context()), id, emails)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recipients": added, "unsupported": unsupported})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if err := s.Store.DeleteMessage(r.Context(), auth.UserID(r.Context()), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
