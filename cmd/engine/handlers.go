package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sproutcare/notify-engine/internal/engine"
	"github.com/sproutcare/notify-engine/internal/policy"
	"github.com/sproutcare/notify-engine/pkg/jsonutil"
)

// APIServer exposes the engine over HTTP for feature services and the
// caregiver apps.
type APIServer struct {
	engine   *engine.Engine
	profiles *engine.SQLProfileStore
	auth     *Authenticator
	policy   policy.Engine
	healthy  func() bool
}

func NewAPIServer(eng *engine.Engine, profiles *engine.SQLProfileStore, auth *Authenticator, pol policy.Engine, healthy func() bool) *APIServer {
	return &APIServer{engine: eng, profiles: profiles, auth: auth, policy: pol, healthy: healthy}
}

func (s *APIServer) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.Health).Methods("GET")

	r.HandleFunc("/v1/requests", s.SubmitRequest).Methods("POST")
	r.HandleFunc("/v1/requests/{requestId}", s.GetRequest).Methods("GET")
	r.HandleFunc("/v1/requests/{requestId}/cancel", s.CancelRequest).Methods("POST")

	r.HandleFunc("/v1/families/{familyId}/ack", s.AckFamily).Methods("POST")

	r.HandleFunc("/v1/caregivers/{caregiverId}", s.UpsertProfile).Methods("PUT")
	r.HandleFunc("/v1/caregivers/{caregiverId}/quiet-hours", s.UpdateQuietHours).Methods("PUT")

	return r
}

func (s *APIServer) Health(w http.ResponseWriter, r *http.Request) {
	status := "active"
	code := http.StatusOK
	if s.healthy != nil && !s.healthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	jsonutil.WriteJSON(w, code, map[string]string{
		"status":  status,
		"service": "notify-engine",
	})
}

func (s *APIServer) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	if s.requirePolicy(w, r, policy.ActionRequestSubmit) == nil {
		return
	}

	var req engine.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := s.engine.Submit(r.Context(), &req)
	if err != nil {
		var cerr *engine.ClassificationError
		if errors.As(err, &cerr) {
			jsonutil.WriteError(w, http.StatusBadRequest, cerr.Error())
			return
		}
		jsonutil.WriteError(w, http.StatusInternalServerError, "Failed to accept request")
		return
	}

	jsonutil.WriteJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

func (s *APIServer) GetRequest(w http.ResponseWriter, r *http.Request) {
	if s.requirePolicy(w, r, policy.ActionStatusRead) == nil {
		return
	}

	requestID := mux.Vars(r)["requestId"]
	state, err := s.engine.Status(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownRequest) {
			jsonutil.WriteError(w, http.StatusNotFound, "Request not found")
			return
		}
		jsonutil.WriteError(w, http.StatusInternalServerError, "Failed to load request")
		return
	}

	jsonutil.WriteJSON(w, http.StatusOK, state)
}

func (s *APIServer) CancelRequest(w http.ResponseWriter, r *http.Request) {
	if s.requirePolicy(w, r, policy.ActionRequestCancel) == nil {
		return
	}

	requestID := mux.Vars(r)["requestId"]
	if err := s.engine.Cancel(r.Context(), requestID); err != nil {
		if errors.Is(err, engine.ErrUnknownRequest) {
			jsonutil.WriteError(w, http.StatusNotFound, "Request not found")
			return
		}
		jsonutil.WriteError(w, http.StatusInternalServerError, "Failed to cancel request")
		return
	}

	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *APIServer) AckFamily(w http.ResponseWriter, r *http.Request) {
	pctx := s.requirePolicy(w, r, policy.ActionRequestAck)
	if pctx == nil {
		return
	}

	familyID := mux.Vars(r)["familyId"]

	// Caregiver tokens carry the acknowledging identity; operator calls
	// name it explicitly.
	caregiverID := pctx.PrincipalID
	var body struct {
		CaregiverID string `json:"caregiver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.CaregiverID != "" {
		caregiverID = body.CaregiverID
	}
	if caregiverID == "" || caregiverID == "anonymous" {
		jsonutil.WriteError(w, http.StatusBadRequest, "caregiver_id is required")
		return
	}

	if err := s.engine.Ack(r.Context(), familyID, caregiverID); err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "Failed to record acknowledgment")
		return
	}

	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *APIServer) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	if s.requirePolicy(w, r, policy.ActionProfileWrite) == nil {
		return
	}

	caregiverID := mux.Vars(r)["caregiverId"]
	var profile engine.CaregiverProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	profile.CaregiverID = caregiverID
	if profile.FamilyID == "" {
		jsonutil.WriteError(w, http.StatusBadRequest, "family_id is required")
		return
	}
	for cat := range profile.Categories {
		if !engine.KnownCategories[cat] {
			jsonutil.WriteError(w, http.StatusBadRequest, "Unknown category: "+string(cat))
			return
		}
	}
	if profile.LastActiveAt.IsZero() {
		profile.LastActiveAt = time.Now()
	}

	if err := s.profiles.SaveCaregiverProfile(r.Context(), &profile); err != nil {
		jsonutil.WriteError(w, http.StatusInternalServerError, "Failed to save profile")
		return
	}

	jsonutil.WriteJSON(w, http.StatusOK, &profile)
}

func (s *APIServer) UpdateQuietHours(w http.ResponseWriter, r *http.Request) {
	if s.requirePolicy(w, r, policy.ActionQuietHoursUpdate) == nil {
		return
	}

	caregiverID := mux.Vars(r)["caregiverId"]
	var q engine.QuietWindow
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := engine.ValidateQuietWindow(q); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.profiles.UpdateQuietHours(r.Context(), caregiverID, q); err != nil {
		if errors.Is(err, engine.ErrUnknownCaregiver) {
			jsonutil.WriteError(w, http.StatusNotFound, "Caregiver not found")
			return
		}
		jsonutil.WriteError(w, http.StatusInternalServerError, "Failed to update quiet hours")
		return
	}

	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
