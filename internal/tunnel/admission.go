package tunnel

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// CounterStore abstracts the external counter backing the rate limiter
// (spec.md §4.G): an atomic increment-with-expiry over a fixed window,
// implemented against Redis in internal/ratelimit and swappable for tests.
type CounterStore interface {
	// Increment bumps the counter for key and returns its new value, setting
	// the key to expire after windowSeconds if this call created it.
	Increment(ctx context.Context, key string, windowSeconds int) (int64, error)
}

// RateLimiter implements the Ingress Admission component (spec.md §4.G): a
// fail-open, per-source-IP request limiter backed by a CounterStore.
//
// Fail-open is deliberate per spec.md §7: a counter store outage must never
// turn into a public-facing outage, so a store error is logged and the
// request is checked against the fallback store if one is set, and admitted
// otherwise (or if the fallback also errors). This mirrors the teacher's general error-handling
// posture of degrading gracefully around optional infrastructure
// (internal/worker/worker.go logs and continues past individual task
// failures rather than taking the whole server down).
type RateLimiter struct {
	store         CounterStore
	fallback      CounterStore
	limit         int64
	windowSeconds int
	logger        zerolog.Logger
}

// NewRateLimiter returns a RateLimiter allowing up to limit requests per
// windowSeconds per source IP, backed by store. fallback (typically an
// in-process ratelimit.MemoryStore) is consulted when store returns an
// error; fallback may be nil, in which case a store error admits
// unconditionally (spec.md §4.G/§7's fail-open policy).
func NewRateLimiter(store, fallback CounterStore, limit int64, windowSeconds int, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{store: store, fallback: fallback, limit: limit, windowSeconds: windowSeconds, logger: logger}
}

// Admit increments remoteIP's counter and returns ErrRateLimited if it now
// exceeds the configured limit. A primary CounterStore error falls through
// to the in-process fallback store if one is configured; if that also
// fails (or none is configured) the request is admitted — fail-open is the
// policy of last resort, per spec.md §7, not the first one.
func (rl *RateLimiter) Admit(ctx context.Context, remoteIP string) error {
	if rl.store == nil || rl.limit <= 0 {
		return nil
	}
	key := "ratelimit:" + remoteIP
	count, err := rl.store.Increment(ctx, key, rl.windowSeconds)
	if err != nil {
		rl.logger.Warn().Err(err).Str("remote_ip", remoteIP).Msg("rate limit store unavailable, falling back")
		if rl.fallback == nil {
			return nil
		}
		count, err = rl.fallback.Increment(ctx, key, rl.windowSeconds)
		if err != nil {
			rl.logger.Warn().Err(err).Str("remote_ip", remoteIP).Msg("fallback rate limiter unavailable, admitting request")
			return nil
		}
	}
	if count > rl.limit {
		return ErrRateLimited
	}
	return nil
}

// SanitizeHeaders copies h into a plain map keyed by h's names as they are.
// For an inbound request those names are already in net/http's canonical
// form (net/http canonicalizes them while parsing), so the public caller's
// original casing is not kept. Header values are relayed verbatim into the request frame per spec.md §4.G — the
// client performs its own local rewrite when needed, and no header is
// dropped or rewritten at this hop. Hop-by-hop headers are stripped
// separately, only when the ingress listener builds the caller-facing
// response (see hopByHopHeaders in ingress.go), never on the request path.
func (rl *RateLimiter) SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}
