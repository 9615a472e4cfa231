package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/malbeclabs/sage/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingUnderstander struct {
	calls int
	plan  *query.Plan
	err   error
}

func (c *countingUnderstander) Understand(ctx context.Context, req UnderstandRequest) (*query.Plan, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.plan.Clone(), nil
}

func TestCachingUnderstander(t *testing.T) {
	t.Parallel()

	schema := testRegistry(t).Schema()
	next := &countingUnderstander{plan: &query.Plan{
		Sources:    []string{"buildings"},
		Aggregates: []query.Aggregate{{Column: "Size", Function: query.FuncMax}},
	}}
	c := NewCachingUnderstander(next, time.Minute)
	ctx := context.Background()

	first, err := c.Understand(ctx, UnderstandRequest{Question: "Largest building?", Schema: schema})
	require.NoError(t, err)

	// Mutating a returned plan does not leak into the cache.
	first.Aggregates[0].Function = query.FuncMin

	second, err := c.Understand(ctx, UnderstandRequest{Question: "  largest BUILDING?  ", Schema: schema})
	require.NoError(t, err)
	assert.Equal(t, query.FuncMax, second.Aggregates[0].Function)
	assert.Equal(t, 1, next.calls)

	// A different conversation is a different question.
	_, err = c.Understand(ctx, UnderstandRequest{
		Question:     "Largest building?",
		Schema:       schema,
		Conversation: &Conversation{Question: "How many buildings are there?"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, 2, c.Len())
}

func TestCachingUnderstander_FailuresNotCached(t *testing.T) {
	t.Parallel()

	next := &countingUnderstander{err: errors.New("rate limited")}
	c := NewCachingUnderstander(next, 0)

	for range 2 {
		_, err := c.Understand(context.Background(), UnderstandRequest{Question: "Largest building?"})
		require.Error(t, err)
	}
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, 0, c.Len())
}
