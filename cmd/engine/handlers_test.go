package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sproutcare/notify-engine/internal/engine"
	"github.com/sproutcare/notify-engine/internal/policy"
	"github.com/sproutcare/notify-engine/pkg/apikey"
)

// apiBackend backs the engine with in-memory collaborators for handler
// tests.
type apiBackend struct {
	mu        sync.Mutex
	statuses  map[string]engine.RequestStatus
	requests  map[string]*engine.NotificationRequest
	decisions map[string]*engine.DeliveryDecision
	markers   map[string]string
	acks      []string
}

func (b *apiBackend) repo() *engine.MockRepository {
	return &engine.MockRepository{
		CreateRequestFunc: func(ctx context.Context, req *engine.NotificationRequest, status engine.RequestStatus) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.requests[req.ID] = req
			b.statuses[req.ID] = status
			return nil
		},
		UpdateRequestStatusFunc: func(ctx context.Context, requestID string, status engine.RequestStatus) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.statuses[requestID] = status
			return nil
		},
		GetRequestFunc: func(ctx context.Context, requestID string) (*engine.NotificationRequest, engine.RequestStatus, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			req, ok := b.requests[requestID]
			if !ok {
				return nil, "", engine.ErrUnknownRequest
			}
			return req, b.statuses[requestID], nil
		},
		SaveDecisionFunc: func(ctx context.Context, d *engine.DeliveryDecision) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.decisions[d.RequestID] = d
			return nil
		},
		GetDecisionFunc: func(ctx context.Context, requestID string) (*engine.DeliveryDecision, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			return b.decisions[requestID], nil
		},
		UpdateDecisionHandoffFunc: func(ctx context.Context, requestID string, state engine.HandoffState, target string) error {
			return nil
		},
		MarkCancelledFunc: func(ctx context.Context, requestID string) error {
			return nil
		},
		PendingDecisionsFunc: func(ctx context.Context) ([]*engine.DeliveryDecision, error) {
			return nil, nil
		},
	}
}

func (b *apiBackend) state() *engine.MockStateStore {
	return &engine.MockStateStore{
		LoadCoordinationStateFunc: func(ctx context.Context, familyID string) (*engine.CoordinationState, error) {
			return nil, nil
		},
		SaveCoordinationStateFunc: func(ctx context.Context, s *engine.CoordinationState, ttl time.Duration) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.acks = append(b.acks, s.ActiveCaregiverID)
			return nil
		},
		CoalesceFunc: func(ctx context.Context, familyID, childID string, cat engine.Category, requestID string, window time.Duration) (bool, error) {
			return false, nil
		},
		ReserveIngestFunc: func(ctx context.Context, key, requestID string, ttl time.Duration) (string, bool, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.markers[key]; ok {
				return existing, false, nil
			}
			b.markers[key] = requestID
			return requestID, true, nil
		},
	}
}

func newTestServer(t *testing.T, auth *Authenticator) (*APIServer, *apiBackend) {
	t.Helper()
	backend := &apiBackend{
		statuses:  make(map[string]engine.RequestStatus),
		requests:  make(map[string]*engine.NotificationRequest),
		decisions: make(map[string]*engine.DeliveryDecision),
		markers:   make(map[string]string),
	}
	profiles := &engine.MockProfileStore{
		LoadCaregiverProfileFunc: func(ctx context.Context, caregiverID string) (*engine.CaregiverProfile, error) {
			return nil, nil
		},
		FamilyProfilesFunc: func(ctx context.Context, familyID string) ([]*engine.CaregiverProfile, error) {
			return []*engine.CaregiverProfile{
				{CaregiverID: "cg-primary", FamilyID: familyID, Role: engine.RolePrimary},
			}, nil
		},
	}
	sink := &engine.MockDecisionSink{
		PublishFunc: func(ctx context.Context, msg *engine.DecisionMessage) error { return nil },
	}
	eng := engine.New(engine.DefaultConfig(), engine.Deps{
		Profiles: profiles,
		State:    backend.state(),
		Repo:     backend.repo(),
		Sink:     sink,
	})
	t.Cleanup(eng.Stop)

	if auth == nil {
		auth = &Authenticator{apiKeyHashes: make(map[string]bool)}
	}
	return NewAPIServer(eng, nil, auth, policy.NewHardcodedEngine(), nil), backend
}

func doJSON(t *testing.T, srv *APIServer, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	srv.healthy = func() bool { return false }
	rec = doJSON(t, srv, "GET", "/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSubmitRequestEndpoint(t *testing.T) {
	srv, backend := newTestServer(t, nil)

	rec := doJSON(t, srv, "POST", "/v1/requests", map[string]any{
		"family_id": "fam-1",
		"child_id":  "child-1",
		"category":  "diaper",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	id := resp["request_id"]
	if id == "" {
		t.Fatal("missing request_id")
	}
	backend.mu.Lock()
	status := backend.statuses[id]
	backend.mu.Unlock()
	if status != engine.StatusBatched {
		t.Errorf("status = %s, want batched", status)
	}
}

func TestSubmitRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, "POST", "/v1/requests", map[string]any{"child_id": "c", "category": "diaper"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing family_id: status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest("POST", "/v1/requests", bytes.NewBufferString("{broken"))
	rec2 := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec2.Code)
	}
}

func TestGetRequestEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, "POST", "/v1/requests", map[string]any{
		"family_id": "fam-1", "child_id": "child-1", "category": "inventory",
	}, nil)
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)

	rec = doJSON(t, srv, "GET", "/v1/requests/"+resp["request_id"], nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var state engine.RequestState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.Status != engine.StatusBatched || state.Decision == nil {
		t.Errorf("state = %+v", state)
	}

	rec = doJSON(t, srv, "GET", "/v1/requests/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown request: status = %d, want 404", rec.Code)
	}
}

func TestCancelRequestEndpoint(t *testing.T) {
	srv, backend := newTestServer(t, nil)

	rec := doJSON(t, srv, "POST", "/v1/requests", map[string]any{
		"family_id": "fam-1", "child_id": "child-1", "category": "milestone",
	}, nil)
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	id := resp["request_id"]

	rec = doJSON(t, srv, "POST", "/v1/requests/"+id+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	backend.mu.Lock()
	status := backend.statuses[id]
	backend.mu.Unlock()
	if status != engine.StatusCancelled {
		t.Errorf("status = %s, want cancelled", status)
	}

	rec = doJSON(t, srv, "POST", "/v1/requests/nope/cancel", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown request: status = %d, want 404", rec.Code)
	}
}

func TestAckEndpoint(t *testing.T) {
	srv, backend := newTestServer(t, nil)

	rec := doJSON(t, srv, "POST", "/v1/families/fam-1/ack", map[string]string{"caregiver_id": "cg-primary"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	backend.mu.Lock()
	acks := backend.acks
	backend.mu.Unlock()
	if len(acks) != 1 || acks[0] != "cg-primary" {
		t.Errorf("acks = %v", acks)
	}

	// Anonymous principal with no body identity cannot ack.
	rec = doJSON(t, srv, "POST", "/v1/families/fam-1/ack", map[string]string{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	key, hash, err := apikey.GenerateKey("svc", "test-secret")
	if err != nil {
		t.Fatal(err)
	}
	auth := &Authenticator{
		apiKeySecret: "test-secret",
		apiKeyHashes: map[string]bool{hash: true},
		jwtSecret:    []byte("jwt-secret"),
	}
	srv, _ := newTestServer(t, auth)

	// No credentials.
	rec := doJSON(t, srv, "POST", "/v1/requests", map[string]any{
		"family_id": "fam-1", "child_id": "c", "category": "diaper",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rec.Code)
	}

	// Valid service key submits.
	hdr := http.Header{"X-API-Key": []string{key}}
	rec = doJSON(t, srv, "POST", "/v1/requests", map[string]any{
		"family_id": "fam-1", "child_id": "c", "category": "diaper",
	}, hdr)
	if rec.Code != http.StatusAccepted {
		t.Errorf("service key: status = %d, want 202, body = %s", rec.Code, rec.Body.String())
	}

	// Services cannot ack.
	rec = doJSON(t, srv, "POST", "/v1/families/fam-1/ack", map[string]string{"caregiver_id": "cg-x"}, hdr)
	if rec.Code != http.StatusForbidden {
		t.Errorf("service ack: status = %d, want 403", rec.Code)
	}

	// Bad key.
	rec = doJSON(t, srv, "POST", "/v1/requests", nil, http.Header{"X-API-Key": []string{"svc_deadbeef"}})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d, want 401", rec.Code)
	}
}

func TestCaregiverTokenCarriesIdentity(t *testing.T) {
	auth := &Authenticator{
		apiKeyHashes: make(map[string]bool),
		jwtSecret:    []byte("jwt-secret"),
	}
	srv, backend := newTestServer(t, auth)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &caregiverClaims{
		CaregiverID: "cg-primary",
		FamilyID:    "fam-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(auth.jwtSecret)
	if err != nil {
		t.Fatal(err)
	}
	hdr := http.Header{"Authorization": []string{"Bearer " + signed}}

	// The acking identity comes from the token, no body needed.
	rec := doJSON(t, srv, "POST", "/v1/families/fam-1/ack", nil, hdr)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	backend.mu.Lock()
	acks := backend.acks
	backend.mu.Unlock()
	if len(acks) != 1 || acks[0] != "cg-primary" {
		t.Errorf("acks = %v", acks)
	}

	// Caregivers cannot submit requests.
	rec = doJSON(t, srv, "POST", "/v1/requests", map[string]any{
		"family_id": "fam-1", "child_id": "c", "category": "diaper",
	}, hdr)
	if rec.Code != http.StatusForbidden {
		t.Errorf("caregiver submit: status = %d, want 403", rec.Code)
	}

	// A token signed with the wrong key is rejected.
	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &caregiverClaims{CaregiverID: "cg-evil"}).
		SignedString([]byte("wrong"))
	rec = doJSON(t, srv, "POST", "/v1/families/fam-1/ack", nil,
		http.Header{"Authorization": []string{"Bearer " + forged}})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token: status = %d, want 401", rec.Code)
	}
}
