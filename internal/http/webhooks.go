package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/status"
)

// ingestWebhook accepts provider callbacks: delivery/read receipts go to
// the status aggregator, inbound messages to the auto-reply responder.
// Duplicates and events for unknown messages are absorbed with a 200;
// the provider must not retry them.
func (s *Server) ingestWebhook(w http.ResponseWriter, r *http.Request) {
	channel := core.Channel(chi.URLParam(r, "channel"))
	if !validChannel(channel) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_channel"})
		return
	}

	var in struct {
		SessionRef        string     `json:"session_ref"`
		EventType         string     `json:"event_type"`
		Recipient         string     `json:"recipient"`
		Sender            string     `json:"sender"`
		ProviderMessageID string     `json:"provider_message_id"`
		Message           string     `json:"message"`
		Timestamp         *time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.SessionRef == "" || in.EventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	ts := time.Now()
	if in.Timestamp != nil {
		ts = *in.Timestamp
	}

	switch in.EventType {
	case string(status.EventDelivered), string(status.EventRead):
		err := s.Agg.Apply(r.Context(), status.Event{
			Provider:          string(channel),
			SessionRef:        in.SessionRef,
			Recipient:         in.Recipient,
			Type:              status.EventType(in.EventType),
			ProviderMessageID: in.ProviderMessageID,
			Timestamp:         ts,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	case "message", "inbound":
		if err := s.Replies.HandleInbound(r.Context(), channel, in.SessionRef, in.Sender, in.Message, ts); err != nil {
			// The reply failing must not make the provider redeliver the
			// inbound message; log and acknowledge.
			s.Log.Warn().Err(err).Str("session", in.SessionRef).Msg("auto-reply handling failed")
		}
	default:
		// Unknown event types are provider noise.
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
