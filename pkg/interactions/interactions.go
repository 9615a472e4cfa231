// Package interactions keeps a log of answered questions. Stores are
// pluggable: an in-memory ring for the CLI and tests, and Postgres for
// long-running servers.
package interactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sage/pkg/pipeline"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Interaction is one recorded question and its answer.
type Interaction struct {
	ID            uuid.UUID       `json:"id"`
	Question      string          `json:"question"`
	Answer        string          `json:"answer"`
	State         string          `json:"state"`
	Kind          string          `json:"kind,omitempty"`
	Plan          json.RawMessage `json:"plan,omitempty"`
	LowConfidence bool            `json:"low_confidence"`
	Phrased       bool            `json:"phrased"`
	Duration      time.Duration   `json:"duration"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ListResponse is a page of interactions, newest first.
type ListResponse struct {
	Interactions []Interaction `json:"interactions"`
	Total        int           `json:"total"`
	HasMore      bool          `json:"has_more"`
}

// Store persists interactions.
type Store interface {
	Save(ctx context.Context, in Interaction) error
	List(ctx context.Context, limit, offset int) (*ListResponse, error)
	Close() error
}

// Recorder adapts a Store to pipeline.Recorder.
type Recorder struct {
	store Store
	clock clockwork.Clock
}

// NewRecorder creates a Recorder. A nil clock uses the real clock.
func NewRecorder(store Store, clock clockwork.Clock) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{store: store, clock: clock}, nil
}

// Record implements pipeline.Recorder.
func (r *Recorder) Record(ctx context.Context, ans *pipeline.Answer) error {
	in, err := FromAnswer(ans, r.clock.Now())
	if err != nil {
		return err
	}
	if err := r.store.Save(ctx, in); err != nil {
		return fmt.Errorf("failed to save interaction: %w", err)
	}
	return nil
}

// FromAnswer builds an Interaction for ans, stamped at now.
func FromAnswer(ans *pipeline.Answer, now time.Time) (Interaction, error) {
	in := Interaction{
		ID:            uuid.New(),
		Question:      ans.Question,
		Answer:        ans.Text,
		State:         string(ans.State),
		LowConfidence: ans.LowConfidence,
		Phrased:       ans.Phrased,
		Duration:      ans.Duration,
		CreatedAt:     now.UTC(),
	}
	if ans.Error != nil {
		in.Kind = string(ans.Error.Kind)
	}
	if ans.Plan != nil {
		raw, err := json.Marshal(ans.Plan)
		if err != nil {
			return Interaction{}, fmt.Errorf("failed to marshal plan: %w", err)
		}
		in.Plan = raw
	}
	return in, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	return limit, max(offset, 0)
}
