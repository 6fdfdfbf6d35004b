package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sproutcare/notify-engine/internal/engine"
)

// HTTPScorer asks the behavioral-learning service how likely a caregiver
// is to engage at a candidate time. Scores are advisory; any failure is
// reported as scorer-unavailable and the optimizer degrades gracefully.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

// NewScorerFromEnv returns nil when no scorer service is configured; the
// optimizer treats a nil scorer as "always use the digest time".
func NewScorerFromEnv() engine.Scorer {
	base := os.Getenv("BEHAVIOR_SCORER_URL")
	if base == "" {
		return nil
	}
	return &HTTPScorer{
		baseURL: base,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

func (s *HTTPScorer) Score(ctx context.Context, caregiverID string, candidate time.Time) (float64, error) {
	u := fmt.Sprintf("%s/v1/scores?caregiver_id=%s&at=%s",
		s.baseURL, url.QueryEscape(caregiverID), url.QueryEscape(candidate.Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", engine.ErrScorerUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", engine.ErrScorerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: scorer returned %s", engine.ErrScorerUnavailable, resp.Status)
	}
	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: %v", engine.ErrScorerUnavailable, err)
	}
	return body.Score, nil
}
