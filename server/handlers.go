package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	keyrouter "github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/batch"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.router.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to build snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	tenant := chi.URLParam(r, "tenant")
	conversation := chi.URLParam(r, "conversation")
	err := s.queue.OnMessage(batch.Message{
		ID:             body.ID,
		TenantID:       tenant,
		ConversationID: conversation,
		Text:           body.Text,
	})
	if errors.Is(err, batch.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "Shutting down")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "queued",
		"pending": s.queue.Pending(tenant, conversation),
	})
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	flushed := s.queue.Flush(chi.URLParam(r, "tenant"), chi.URLParam(r, "conversation"))
	writeJSON(w, http.StatusOK, map[string]bool{"flushed": flushed})
}

func (s *Server) listReplies(w http.ResponseWriter, r *http.Request) {
	if s.replies == nil {
		writeError(w, http.StatusNotFound, "Replies are not stored")
		return
	}
	writeJSON(w, http.StatusOK, s.replies.Replies(chi.URLParam(r, "tenant"), chi.URLParam(r, "conversation")))
}

// adminAuth validates the shared admin bearer token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "Admin token not configured")
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			writeError(w, http.StatusUnauthorized, "Missing admin token")
			return
		}
		if token != s.adminToken {
			writeError(w, http.StatusForbidden, "Invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func instanceKey(r *http.Request) keyrouter.InstanceKey {
	return keyrouter.InstanceKey{
		CredentialID: chi.URLParam(r, "credential"),
		Model:        chi.URLParam(r, "model"),
	}
}

func (s *Server) adminError(w http.ResponseWriter, key keyrouter.InstanceKey, err error) {
	if errors.Is(err, keyrouter.ErrInstanceNotFound) || errors.Is(err, keyrouter.ErrCredentialNotFound) {
		writeError(w, http.StatusNotFound, "Instance not found")
		return
	}
	s.logger.Error("admin update failed", "instance", key.String(), "error", err)
	writeError(w, http.StatusInternalServerError, "Failed to update instance")
}

func (s *Server) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := instanceKey(r)
		if err := s.admin.SetEnabled(r.Context(), key, enabled); err != nil {
			s.adminError(w, key, err)
			return
		}
		s.logger.Info("instance toggled", "instance", key.String(), "enabled", enabled)
		writeJSON(w, http.StatusOK, map[string]interface{}{"instance": key.String(), "enabled": enabled})
	}
}

func (s *Server) setPriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority *int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Priority == nil {
		writeError(w, http.StatusBadRequest, "priority is required")
		return
	}

	key := instanceKey(r)
	if err := s.admin.SetPriority(r.Context(), key, *body.Priority); err != nil {
		s.adminError(w, key, err)
		return
	}
	s.logger.Info("instance priority changed", "instance", key.String(), "priority", *body.Priority)
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance": key.String(), "priority": *body.Priority})
}

func (s *Server) clearExclusion(w http.ResponseWriter, r *http.Request) {
	key := instanceKey(r)
	if !s.router.Exclusions().ClearExclusion(key) {
		writeError(w, http.StatusNotFound, "No exclusion for instance")
		return
	}
	s.logger.Info("exclusion cleared", "instance", key.String())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listExclusions(w http.ResponseWriter, r *http.Request) {
	recs := s.router.Exclusions().Records()
	if recs == nil {
		recs = []keyrouter.ExclusionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
