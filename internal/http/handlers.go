package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/blastware/broadcast-gateway/internal/autoreply"
	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/resolver"
	"github.com/blastware/broadcast-gateway/internal/status"
)

type Server struct {
	Store    *core.Store
	Resolver *resolver.Resolver
	Agg      *status.Aggregator
	Replies  *autoreply.Responder
	Log      zerolog.Logger
}

func NewServer(store *core.Store, res *resolver.Resolver, agg *status.Aggregator, replies *autoreply.Responder, log zerolog.Logger) *Server {
	return &Server{Store: store, Resolver: res, Agg: agg, Replies: replies, Log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Post("/broadcasts", s.createBroadcast)
	r.Get("/broadcasts/{id}", s.getBroadcast)
	r.Get("/broadcasts/{id}/messages", s.listBroadcastMessages)
	r.Post("/broadcasts/{id}/cancel", s.cancelBroadcast)

	r.Post("/contacts", s.createContact)
	r.Post("/groups", s.createGroup)
	r.Post("/groups/{id}/members", s.addGroupMember)

	r.Post("/rules", s.createRule)
	r.Get("/rules", s.listRules)

	r.Post("/webhooks/{channel}", s.ingestWebhook)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func validChannel(c core.Channel) bool {
	switch c {
	case core.ChannelWhatsApp, core.ChannelTelegram, core.ChannelMeta:
		return true
	}
	return false
}

func (s *Server) createBroadcast(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID      string         `json:"user_id"`
		Channel     core.Channel   `json:"channel"`
		SessionRef  string         `json:"session_ref"`
		Body        string         `json:"body"`
		MediaURL    *string        `json:"media_url"`
		Recipients  resolver.Input `json:"recipients"`
		ScheduledAt *time.Time     `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil ||
		in.UserID == "" || in.SessionRef == "" || in.Body == "" || !validChannel(in.Channel) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	// Resolution happens before anything is persisted: an unresolvable
	// id means no broadcast exists at all.
	recipients, err := s.Resolver.Resolve(r.Context(), in.Channel, in.Recipients)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(recipients) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "no_recipients"})
		return
	}

	b, err := s.Store.CreateBroadcast(r.Context(), core.CreateBroadcastRequest{
		UserID:      in.UserID,
		Channel:     in.Channel,
		SessionRef:  in.SessionRef,
		Body:        in.Body,
		MediaURL:    in.MediaURL,
		Recipients:  recipients,
		ScheduledAt: in.ScheduledAt,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) getBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := s.Store.GetBroadcast(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "broadcast_not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listBroadcastMessages(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) cancelBroadcast(w http.ResponseWriter, r *http.Request) {
	st, err := s.Store.CancelBroadcast(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "broadcast_not_found"})
	case errors.Is(err, core.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "not_cancellable", "status": st})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": st})
	}
}

func (s *Server) createContact(w http.ResponseWriter, r *http.Request) {
	var in core.Contact
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil ||
		in.UserID == "" || in.Identifier == "" || !validChannel(in.Channel) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.CreateContact(r.Context(), in)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" || in.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.CreateGroup(r.Context(), in.UserID, in.Name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) addGroupMember(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ContactID string `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ContactID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if err := s.Store.AddGroupMember(r.Context(), chi.URLParam(r, "id"), in.ContactID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var in core.AutoReplyRule
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil ||
		in.UserID == "" || in.SessionRef == "" || in.Response == "" || !validChannel(in.Channel) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.CreateRule(r.Context(), in)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id_required"})
		return
	}
	items, err := s.Store.ListRules(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
