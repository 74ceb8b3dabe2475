package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/scolaris/scolaris/internal/sync"
)

var validate = validator.New()

const maxPushEvents = 500

// pushRequest mirrors the client's wire format.
type pushRequest struct {
	Events []pushEventBody `json:"events" validate:"required,min=1,max=500,dive"`
}

type pushEventBody struct {
	ID           string          `json:"id" validate:"required"`
	EntityType   string          `json:"entityType" validate:"required"`
	EntityID     string          `json:"entityId" validate:"required"`
	Operation    string          `json:"operation" validate:"required,oneof=create update delete"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LocalVersion int64           `json:"localVersion" validate:"required,gt=0"`
}

type pushResponse struct {
	Outcomes []sync.Outcome `json:"outcomes"`
}

type changesResponse struct {
	Changes []sync.EntityChange `json:"changes"`
	HasMore bool                `json:"hasMore"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing tenant id")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push request: "+err.Error())
		return
	}
	if len(req.Events) > maxPushEvents {
		writeError(w, http.StatusBadRequest, "too many events in one push")
		return
	}

	resp := pushResponse{Outcomes: make([]sync.Outcome, 0, len(req.Events))}
	for _, body := range req.Events {
		out, err := s.db.ApplyEvent(r.Context(), tenantID, sync.PushEvent{
			ID:           body.ID,
			EntityType:   body.EntityType,
			EntityID:     body.EntityID,
			Operation:    body.Operation,
			Payload:      body.Payload,
			LocalVersion: body.LocalVersion,
		})
		if err != nil {
			s.log.Error("apply event", "tenant", tenantID, "event", body.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to apply events")
			return
		}
		resp.Outcomes = append(resp.Outcomes, *out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	afterSeq, err := parseInt64(r.URL.Query().Get("after_seq"), 0)
	if err != nil || afterSeq < 0 {
		writeError(w, http.StatusBadRequest, "invalid after_seq")
		return
	}
	limit, err := parseInt64(r.URL.Query().Get("limit"), 200)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	changes, hasMore, err := s.db.Changes(r.Context(), tenantID, afterSeq, int(limit))
	if err != nil {
		s.log.Error("query changes", "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load changes")
		return
	}
	if changes == nil {
		changes = []sync.EntityChange{}
	}
	writeJSON(w, http.StatusOK, changesResponse{Changes: changes, HasMore: hasMore})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	st, err := s.db.Status(r.Context(), tenantID)
	if err != nil {
		s.log.Error("tenant status", "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
