package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Pacer spaces outbound requests per source. A local token bucket enforces
// the descriptor's requests_per_second; a shared Redis block key honors
// Retry-After across all instances fetching the same source.
type Pacer struct {
	limiter *redis.RateLimiter
	logger  ectologger.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewPacer creates a new Pacer. A nil redisClient disables the shared
// block key; the local bucket still paces.
func NewPacer(redisClient *redis.Client, logger ectologger.Logger) *Pacer {
	p := &Pacer{
		logger:  logger,
		buckets: make(map[string]*rate.Limiter),
	}
	if redisClient != nil {
		p.limiter = redis.NewRateLimiter(redisClient, "fern:ratelimit:")
	}
	return p
}

func (p *Pacer) bucket(desc *models.SourceDescriptor) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lim, ok := p.buckets[desc.ID]; ok {
		return lim
	}

	rps := desc.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := desc.RateLimit.Burst
	if burst < 1 {
		burst = 1
	}

	lim := rate.NewLimiter(rate.Limit(rps), burst)
	p.buckets[desc.ID] = lim
	return lim
}

// Wait blocks until the next request to the source is allowed, or the
// context is done. A shared block (Retry-After) is waited out first.
func (p *Pacer) Wait(ctx context.Context, desc *models.SourceDescriptor) error {
	ctx, span := tracing.StartSpan(ctx, "Pacer.Wait")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RateLimitWaitTime.WithLabelValues(desc.ID).Observe(time.Since(start).Seconds())
	}()

	for p.limiter != nil {
		blocked, ttl, err := p.limiter.IsBlocked(ctx, desc.ID)
		if err != nil {
			// Redis trouble should not stall fetching; fall through to the local bucket.
			p.logger.WithContext(ctx).WithError(err).Warnf("Rate limit block check failed for source %s", desc.ID)
			break
		}
		if !blocked {
			break
		}

		p.logger.WithContext(ctx).Infof("Source %s blocked upstream, waiting %v", desc.ID, ttl)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ttl):
		}
	}

	return p.bucket(desc).Wait(ctx)
}

// BackOff blocks the source for the given duration across all instances.
// Called when the source answers 429.
func (p *Pacer) BackOff(ctx context.Context, sourceID string, d time.Duration) error {
	if d <= 0 || p.limiter == nil {
		return nil
	}
	p.logger.WithContext(ctx).Warnf("Backing off source %s for %v", sourceID, d)
	return p.limiter.BlockFor(ctx, sourceID, d)
}

// Blocked reports whether the source is currently blocked and for how long
func (p *Pacer) Blocked(ctx context.Context, sourceID string) (bool, time.Duration, error) {
	if p.limiter == nil {
		return false, 0, nil
	}
	return p.limiter.IsBlocked(ctx, sourceID)
}

// ParseRetryAfter parses a Retry-After header value.
// Returns the duration to wait before retrying.
func ParseRetryAfter(value string) (time.Duration, error) {
	// Try parsing as seconds
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	// Try parsing as HTTP date (RFC 1123)
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(t), nil
	}

	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}
