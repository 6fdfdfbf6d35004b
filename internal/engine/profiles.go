package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLProfileStore reads and writes caregiver profiles in Postgres. The
// structured columns (quiet hours, devices, category settings) live in
// jsonb so preference records evolve without migrations.
type SQLProfileStore struct {
	db *sql.DB
}

func NewSQLProfileStore(db *sql.DB) *SQLProfileStore {
	return &SQLProfileStore{db: db}
}

func (s *SQLProfileStore) LoadCaregiverProfile(ctx context.Context, caregiverID string) (*CaregiverProfile, error) {
	query := `
		SELECT caregiver_id, family_id, role, quiet_hours, devices, categories, email, phone, last_active_at
		FROM caregiver_profiles WHERE caregiver_id = $1
	`
	row := s.db.QueryRowContext(ctx, query, caregiverID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLProfileStore) FamilyProfiles(ctx context.Context, familyID string) ([]*CaregiverProfile, error) {
	query := `
		SELECT caregiver_id, family_id, role, quiet_hours, devices, categories, email, phone, last_active_at
		FROM caregiver_profiles WHERE family_id = $1
	`
	rows, err := s.db.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CaregiverProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveCaregiverProfile upserts the full profile record.
func (s *SQLProfileStore) SaveCaregiverProfile(ctx context.Context, p *CaregiverProfile) error {
	quiet, err := json.Marshal(p.Quiet)
	if err != nil {
		return err
	}
	devices, err := json.Marshal(p.Devices)
	if err != nil {
		return err
	}
	categories, err := json.Marshal(p.Categories)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO caregiver_profiles (caregiver_id, family_id, role, quiet_hours, devices, categories, email, phone, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (caregiver_id) DO UPDATE SET
			family_id = EXCLUDED.family_id,
			role = EXCLUDED.role,
			quiet_hours = EXCLUDED.quiet_hours,
			devices = EXCLUDED.devices,
			categories = EXCLUDED.categories,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			last_active_at = EXCLUDED.last_active_at
	`
	_, err = s.db.ExecContext(ctx, query,
		p.CaregiverID, p.FamilyID, string(p.Role), quiet, devices, categories, p.Email, p.Phone, p.LastActiveAt,
	)
	return err
}

// UpdateQuietHours replaces only the quiet-hours window, used both by the
// preferences API and the behavioral-learning writer for adaptive windows.
func (s *SQLProfileStore) UpdateQuietHours(ctx context.Context, caregiverID string, q QuietWindow) error {
	quiet, err := json.Marshal(q)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE caregiver_profiles SET quiet_hours = $1 WHERE caregiver_id = $2`,
		quiet, caregiverID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("caregiver %s: %w", caregiverID, ErrUnknownCaregiver)
	}
	return nil
}

func scanProfile(row rowScanner) (*CaregiverProfile, error) {
	var p CaregiverProfile
	var role string
	var quiet, devices, categories []byte
	err := row.Scan(&p.CaregiverID, &p.FamilyID, &role, &quiet, &devices, &categories, &p.Email, &p.Phone, &p.LastActiveAt)
	if err != nil {
		return nil, err
	}
	p.Role = Role(role)
	if len(quiet) > 0 {
		if err := json.Unmarshal(quiet, &p.Quiet); err != nil {
			return nil, err
		}
	}
	if len(devices) > 0 {
		if err := json.Unmarshal(devices, &p.Devices); err != nil {
			return nil, err
		}
	}
	if len(categories) > 0 {
		if err := json.Unmarshal(categories, &p.Categories); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
