package dispatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/sproutcare/notify-engine/internal/engine"
)

// DeadLetter is a permanently failed delivery, kept operator-visible
// until resolved.
type DeadLetter struct {
	ID          string              `json:"id"`
	RequestID   string              `json:"request_id"`
	CaregiverID string              `json:"caregiver_id"`
	Tier        engine.PriorityTier `json:"tier"`
	Reason      string              `json:"reason"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Repository records dispatch outcomes.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// MarkDispatched stamps the decision and request as delivered. Safe to
// call more than once.
func (r *Repository) MarkDispatched(ctx context.Context, requestID string) error {
	if r.db == nil {
		return nil
	}
	now := time.Now()
	if _, err := r.db.ExecContext(ctx,
		`UPDATE decisions SET dispatched_at = $1 WHERE request_id = $2 AND dispatched_at IS NULL`,
		now, requestID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE requests SET status = $1 WHERE id = $2`,
		string(engine.StatusDispatched), requestID)
	return err
}

func (r *Repository) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if r.db == nil {
		return nil
	}
	dl.ID = uuid.New().String()
	dl.CreatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, request_id, caregiver_id, tier, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, dl.ID, dl.RequestID, dl.CaregiverID, string(dl.Tier), dl.Reason, dl.CreatedAt)
	return err
}

// ListDeadLetters returns recent dead letters, newest first.
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, caregiver_id, tier, reason, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var tier string
		if err := rows.Scan(&dl.ID, &dl.RequestID, &dl.CaregiverID, &tier, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, err
		}
		dl.Tier = engine.PriorityTier(tier)
		out = append(out, &dl)
	}
	return out, rows.Err()
}
