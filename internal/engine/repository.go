package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Repository persists requests and their write-once decisions. The engine
// only ever appends decisions; handoff state and cancellation marks are
// the two mutable columns.
type Repository interface {
	CreateRequest(ctx context.Context, req *NotificationRequest, status RequestStatus) error
	UpdateRequestStatus(ctx context.Context, requestID string, status RequestStatus) error
	GetRequest(ctx context.Context, requestID string) (*NotificationRequest, RequestStatus, error)

	SaveDecision(ctx context.Context, d *DeliveryDecision) error
	GetDecision(ctx context.Context, requestID string) (*DeliveryDecision, error)
	UpdateDecisionHandoff(ctx context.Context, requestID string, state HandoffState, target string) error
	MarkCancelled(ctx context.Context, requestID string) error

	// PendingDecisions returns hold/batch decisions that were neither
	// dispatched nor cancelled, for crash recovery.
	PendingDecisions(ctx context.Context) ([]*DeliveryDecision, error)
}

// SQLRepository is the Postgres implementation.
type SQLRepository struct {
	db *sql.DB
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) CreateRequest(ctx context.Context, req *NotificationRequest, status RequestStatus) error {
	query := `
		INSERT INTO requests (id, family_id, child_id, category, severity_hint, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err := r.db.ExecContext(ctx, query,
		req.ID, req.FamilyID, req.ChildID, string(req.Category), req.SeverityHint, []byte(payload), string(status), req.CreatedAt,
	)
	return err
}

func (r *SQLRepository) UpdateRequestStatus(ctx context.Context, requestID string, status RequestStatus) error {
	query := `UPDATE requests SET status = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, string(status), requestID)
	return err
}

func (r *SQLRepository) GetRequest(ctx context.Context, requestID string) (*NotificationRequest, RequestStatus, error) {
	query := `
		SELECT id, family_id, child_id, category, severity_hint, payload, status, created_at
		FROM requests WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, requestID)

	var req NotificationRequest
	var category, status string
	var payload []byte
	err := row.Scan(&req.ID, &req.FamilyID, &req.ChildID, &category, &req.SeverityHint, &payload, &status, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrUnknownRequest
	}
	if err != nil {
		return nil, "", err
	}
	req.Category = Category(category)
	req.Payload = json.RawMessage(payload)
	return &req, RequestStatus(status), nil
}

func (r *SQLRepository) SaveDecision(ctx context.Context, d *DeliveryDecision) error {
	targets, err := json.Marshal(d.Targets)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO decisions (request_id, family_id, tier, targets, action, scheduled_at, reason, handoff_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		d.RequestID, d.FamilyID, string(d.Tier), targets, string(d.Action), d.ScheduledAt, d.Reason, string(d.Handoff), d.CreatedAt,
	)
	return err
}

func (r *SQLRepository) GetDecision(ctx context.Context, requestID string) (*DeliveryDecision, error) {
	query := `
		SELECT request_id, family_id, tier, targets, action, scheduled_at, reason, handoff_state, created_at
		FROM decisions WHERE request_id = $1
	`
	row := r.db.QueryRowContext(ctx, query, requestID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (r *SQLRepository) UpdateDecisionHandoff(ctx context.Context, requestID string, state HandoffState, target string) error {
	if target != "" {
		targets, err := json.Marshal([]string{target})
		if err != nil {
			return err
		}
		query := `UPDATE decisions SET handoff_state = $1, targets = $2 WHERE request_id = $3`
		_, err = r.db.ExecContext(ctx, query, string(state), targets, requestID)
		return err
	}
	query := `UPDATE decisions SET handoff_state = $1 WHERE request_id = $2`
	_, err := r.db.ExecContext(ctx, query, string(state), requestID)
	return err
}

func (r *SQLRepository) MarkCancelled(ctx context.Context, requestID string) error {
	query := `UPDATE decisions SET cancelled_at = $1 WHERE request_id = $2 AND cancelled_at IS NULL AND dispatched_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, time.Now(), requestID)
	return err
}

func (r *SQLRepository) PendingDecisions(ctx context.Context) ([]*DeliveryDecision, error) {
	query := `
		SELECT request_id, family_id, tier, targets, action, scheduled_at, reason, handoff_state, created_at
		FROM decisions
		WHERE action IN ('hold_until', 'batch_into') AND dispatched_at IS NULL AND cancelled_at IS NULL
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeliveryDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*DeliveryDecision, error) {
	var d DeliveryDecision
	var tier, action, handoff string
	var targets []byte
	err := row.Scan(&d.RequestID, &d.FamilyID, &tier, &targets, &action, &d.ScheduledAt, &d.Reason, &handoff, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(targets, &d.Targets); err != nil {
		return nil, err
	}
	d.Tier = PriorityTier(tier)
	d.Action = Action(action)
	d.Handoff = HandoffState(handoff)
	return &d, nil
}
