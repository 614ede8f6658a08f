package predictor

import (
	"context"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// cached memoizes distributions by context for ttl. Once maxEntries live
// entries exist, new contexts are predicted but not stored.
type cached struct {
	next       Predictor
	store      *gocache.Cache
	maxEntries int
}

// Cache wraps p with a TTL cache keyed by the full context. A non-positive
// ttl disables caching and returns p unchanged.
func Cache(p Predictor, ttl time.Duration, maxEntries int) Predictor {
	if ttl <= 0 {
		return p
	}
	return &cached{
		next:       p,
		store:      gocache.New(ttl, 2*ttl),
		maxEntries: maxEntries,
	}
}

func (c *cached) Predict(ctx context.Context, tokens []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := contextKey(tokens)
	if v, ok := c.store.Get(key); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}

	dist, err := c.next.Predict(ctx, tokens)
	if err != nil {
		return nil, err
	}
	if c.maxEntries <= 0 || c.store.ItemCount() < c.maxEntries {
		c.store.Set(key, append([]float32(nil), dist...), gocache.DefaultExpiration)
	}
	return dist, nil
}

// Len reports the number of cached contexts, expired ones included until
// the janitor runs.
func (c *cached) Len() int { return c.store.ItemCount() }

func contextKey(tokens []int) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, t := range tokens {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(t))
	}
	b.WriteByte(']')
	return b.String()
}
