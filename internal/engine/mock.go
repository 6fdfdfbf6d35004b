package engine

import (
	"context"
	"time"
)

type MockProfileStore struct {
	LoadCaregiverProfileFunc func(ctx context.Context, caregiverID string) (*CaregiverProfile, error)
	FamilyProfilesFunc       func(ctx context.Context, familyID string) ([]*CaregiverProfile, error)
}

func (m *MockProfileStore) LoadCaregiverProfile(ctx context.Context, caregiverID string) (*CaregiverProfile, error) {
	return m.LoadCaregiverProfileFunc(ctx, caregiverID)
}

func (m *MockProfileStore) FamilyProfiles(ctx context.Context, familyID string) ([]*CaregiverProfile, error) {
	return m.FamilyProfilesFunc(ctx, familyID)
}

type MockStateStore struct {
	LoadCoordinationStateFunc func(ctx context.Context, familyID string) (*CoordinationState, error)
	SaveCoordinationStateFunc func(ctx context.Context, state *CoordinationState, ttl time.Duration) error
	CoalesceFunc              func(ctx context.Context, familyID, childID string, cat Category, requestID string, window time.Duration) (bool, error)
	ReserveIngestFunc         func(ctx context.Context, key, requestID string, ttl time.Duration) (string, bool, error)
}

func (m *MockStateStore) LoadCoordinationState(ctx context.Context, familyID string) (*CoordinationState, error) {
	return m.LoadCoordinationStateFunc(ctx, familyID)
}

func (m *MockStateStore) SaveCoordinationState(ctx context.Context, state *CoordinationState, ttl time.Duration) error {
	return m.SaveCoordinationStateFunc(ctx, state, ttl)
}

func (m *MockStateStore) Coalesce(ctx context.Context, familyID, childID string, cat Category, requestID string, window time.Duration) (bool, error) {
	return m.CoalesceFunc(ctx, familyID, childID, cat, requestID, window)
}

func (m *MockStateStore) ReserveIngest(ctx context.Context, key, requestID string, ttl time.Duration) (string, bool, error) {
	return m.ReserveIngestFunc(ctx, key, requestID, ttl)
}

type MockRepository struct {
	CreateRequestFunc         func(ctx context.Context, req *NotificationRequest, status RequestStatus) error
	UpdateRequestStatusFunc   func(ctx context.Context, requestID string, status RequestStatus) error
	GetRequestFunc            func(ctx context.Context, requestID string) (*NotificationRequest, RequestStatus, error)
	SaveDecisionFunc          func(ctx context.Context, d *DeliveryDecision) error
	GetDecisionFunc           func(ctx context.Context, requestID string) (*DeliveryDecision, error)
	UpdateDecisionHandoffFunc func(ctx context.Context, requestID string, state HandoffState, target string) error
	MarkCancelledFunc         func(ctx context.Context, requestID string) error
	PendingDecisionsFunc      func(ctx context.Context) ([]*DeliveryDecision, error)
}

func (m *MockRepository) CreateRequest(ctx context.Context, req *NotificationRequest, status RequestStatus) error {
	return m.CreateRequestFunc(ctx, req, status)
}

func (m *MockRepository) UpdateRequestStatus(ctx context.Context, requestID string, status RequestStatus) error {
	return m.UpdateRequestStatusFunc(ctx, requestID, status)
}

func (m *MockRepository) GetRequest(ctx context.Context, requestID string) (*NotificationRequest, RequestStatus, error) {
	return m.GetRequestFunc(ctx, requestID)
}

func (m *MockRepository) SaveDecision(ctx context.Context, d *DeliveryDecision) error {
	return m.SaveDecisionFunc(ctx, d)
}

func (m *MockRepository) GetDecision(ctx context.Context, requestID string) (*DeliveryDecision, error) {
	return m.GetDecisionFunc(ctx, requestID)
}

func (m *MockRepository) UpdateDecisionHandoff(ctx context.Context, requestID string, state HandoffState, target string) error {
	return m.UpdateDecisionHandoffFunc(ctx, requestID, state, target)
}

func (m *MockRepository) MarkCancelled(ctx context.Context, requestID string) error {
	return m.MarkCancelledFunc(ctx, requestID)
}

func (m *MockRepository) PendingDecisions(ctx context.Context) ([]*DeliveryDecision, error) {
	return m.PendingDecisionsFunc(ctx)
}

type MockScorer struct {
	ScoreFunc func(ctx context.Context, caregiverID string, candidate time.Time) (float64, error)
}

func (m *MockScorer) Score(ctx context.Context, caregiverID string, candidate time.Time) (float64, error) {
	return m.ScoreFunc(ctx, caregiverID, candidate)
}

type MockDecisionSink struct {
	PublishFunc func(ctx context.Context, msg *DecisionMessage) error
}

func (m *MockDecisionSink) Publish(ctx context.Context, msg *DecisionMessage) error {
	return m.PublishFunc(ctx, msg)
}

type MockAlertSink struct {
	AlertFunc func(ctx context.Context, alert *OperatorAlert) error
}

func (m *MockAlertSink) Alert(ctx context.Context, alert *OperatorAlert) error {
	return m.AlertFunc(ctx, alert)
}
