package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/sage/pkg/query"
)

const defaultPlanCacheTTL = 10 * time.Minute

// CachingUnderstander memoizes successful plans by question, conversation
// and schema so repeated questions skip the language model. Failures are
// never cached.
type CachingUnderstander struct {
	next  Understander
	cache *ttlcache.Cache[string, *query.Plan]
}

// NewCachingUnderstander wraps next with a cache whose entries expire after
// ttl. A zero ttl uses a ten minute default.
func NewCachingUnderstander(next Understander, ttl time.Duration) *CachingUnderstander {
	if ttl == 0 {
		ttl = defaultPlanCacheTTL
	}
	return &CachingUnderstander{
		next: next,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *query.Plan](ttl),
			ttlcache.WithDisableTouchOnHit[string, *query.Plan](),
		),
	}
}

// Understand implements Understander.
func (c *CachingUnderstander) Understand(ctx context.Context, req UnderstandRequest) (*query.Plan, error) {
	key, ok := cacheKey(req)
	if ok {
		if item := c.cache.Get(key); item != nil {
			return item.Value().Clone(), nil
		}
	}

	plan, err := c.next.Understand(ctx, req)
	if err != nil {
		return nil, err
	}
	if ok {
		c.cache.Set(key, plan.Clone(), ttlcache.DefaultTTL)
	}
	return plan, nil
}

// Len returns the number of cached plans, including expired ones not yet
// evicted.
func (c *CachingUnderstander) Len() int {
	return c.cache.Len()
}

// Start runs the expired-entry cleaner until Stop is called.
func (c *CachingUnderstander) Start() {
	c.cache.Start()
}

// Stop halts the cleaner started by Start.
func (c *CachingUnderstander) Stop() {
	c.cache.Stop()
}

func cacheKey(req UnderstandRequest) (string, bool) {
	raw, err := json.Marshal(struct {
		Question     string        `json:"q"`
		Schema       any           `json:"s"`
		Conversation *Conversation `json:"c"`
	}{strings.ToLower(strings.TrimSpace(req.Question)), req.Schema, req.Conversation})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), true
}
