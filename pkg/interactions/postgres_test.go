package interactions_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/sage/pkg/interactions"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	}()

	url, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := interactions.NewPostgresStore(ctx, interactions.PostgresConfig{URL: url})
	require.NoError(t, err)
	defer store.Close()

	// Migrations are idempotent.
	again, err := interactions.NewPostgresStore(ctx, interactions.PostgresConfig{URL: url})
	require.NoError(t, err)
	require.NoError(t, again.Close())

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first := interactions.Interaction{
		ID:            uuid.New(),
		Question:      "Which building is the largest?",
		Answer:        "B002 at 75,000.",
		State:         "answered",
		Plan:          []byte(`{"sources":["buildings"]}`),
		LowConfidence: true,
		Duration:      1200 * time.Millisecond,
		CreatedAt:     base,
	}
	second := interactions.Interaction{
		ID:        uuid.New(),
		Question:  "How many parking spaces?",
		Answer:    "I'm sorry.",
		State:     "errored",
		Kind:      "understanding_failure",
		CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	page, err := store.List(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Interactions, 1)
	assert.Equal(t, second.ID, page.Interactions[0].ID)
	assert.Equal(t, "understanding_failure", page.Interactions[0].Kind)
	assert.Nil(t, page.Interactions[0].Plan)

	page, err = store.List(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, page.Interactions, 1)
	got := page.Interactions[0]
	assert.Equal(t, first.ID, got.ID)
	assert.Empty(t, got.Kind)
	assert.True(t, got.LowConfidence)
	assert.Equal(t, 1200*time.Millisecond, got.Duration)
	assert.True(t, base.Equal(got.CreatedAt))
	assert.JSONEq(t, `{"sources":["buildings"]}`, string(got.Plan))
}
