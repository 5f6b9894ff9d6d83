// Package frontier implements the URL Health / Frontier (spec.md §4.2):
// per-URL and per-host cooldowns and dead-path promotion backed by Redis
// for the fast, expiring state, plus the durable source_registry rows in
// the Evidence Store for authoritative crawl status.
package frontier

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/store"
)

// Policy holds the §4.2 thresholds.
type Policy struct {
	BlockedThreshold   int           // N consecutive 403/429 before host cooldown
	BaseCooldown       time.Duration
	MaxCooldown        time.Duration
	DeadPathThreshold  int           // K distinct sources failing the same path shape
}

// DefaultPolicy matches the conservative posture implied by spec.md §4.2.
func DefaultPolicy() Policy {
	return Policy{
		BlockedThreshold:  3,
		BaseCooldown:      5 * time.Minute,
		MaxCooldown:       6 * time.Hour,
		DeadPathThreshold: 3,
	}
}

// Frontier tracks URL/host health across a run.
type Frontier struct {
	redis    *redis.Client
	store    *store.Store
	bus      *events.Bus
	policy   Policy
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Frontier over a Redis client (ephemeral state) and the
// Evidence Store (durable source registry rows).
func New(rdb *redis.Client, st *store.Store, bus *events.Bus, policy Policy) *Frontier {
	return &Frontier{redis: rdb, store: st, bus: bus, policy: policy, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (f *Frontier) breakerFor(host string) *gobreaker.CircuitBreaker {
	if b, ok := f.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "frontier-" + host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     f.policy.BaseCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(f.policy.BlockedThreshold)
		},
	})
	f.breakers[host] = b
	return b
}

// HostBlocked reports whether host's circuit is currently open (tripped
// by a burst of 403/429), a faster, self-resetting front door layered
// under the raw-counter threshold the Redis counters also track.
func (f *Frontier) HostBlocked(host string) bool {
	return f.breakerFor(host).State() == gobreaker.StateOpen
}

// key helpers for the Redis-backed ephemeral state.
func hostCooldownKey(host string) string   { return "frontier:cooldown:host:" + host }
func hostFailuresKey(host string) string   { return "frontier:failures:host:" + host }
func pathFailuresKey(host, shape string) string {
	return "frontier:pathfail:" + host + ":" + shape
}

// RecordOutcome updates host-level failure counters and the breaker's
// internal counters. Once BlockedThreshold consecutive blocked outcomes
// have accumulated, each further blocked outcome escalates the Redis
// cooldown with exponential backoff (base × 2^repeat past the threshold,
// capped); a non-blocked outcome resets the consecutive count.
func (f *Frontier) RecordOutcome(ctx context.Context, host string, blocked bool) error {
	breaker := f.breakerFor(host)
	_, _ = breaker.Execute(func() (any, error) {
		if blocked {
			return nil, fmt.Errorf("blocked")
		}
		return nil, nil
	})

	if !blocked {
		return f.redis.Del(ctx, hostFailuresKey(host)).Err()
	}

	repeats, err := f.redis.Incr(ctx, hostFailuresKey(host)).Result()
	if err != nil {
		return fmt.Errorf("frontier: incr failures: %w", err)
	}
	threshold := max(int64(f.policy.BlockedThreshold), 1)
	if repeats < threshold {
		return nil
	}
	cooldown := time.Duration(float64(f.policy.BaseCooldown) * math.Pow(2, float64(repeats-threshold)))
	if cooldown > f.policy.MaxCooldown {
		cooldown = f.policy.MaxCooldown
	}
	if err := f.redis.Set(ctx, hostCooldownKey(host), time.Now().Add(cooldown).Unix(), cooldown).Err(); err != nil {
		return fmt.Errorf("frontier: set cooldown: %w", err)
	}
	return nil
}

// InCooldown reports whether host is currently cooling down.
func (f *Frontier) InCooldown(ctx context.Context, host string) (bool, error) {
	exists, err := f.redis.Exists(ctx, hostCooldownKey(host)).Result()
	if err != nil {
		return false, fmt.Errorf("frontier: check cooldown: %w", err)
	}
	return exists > 0, nil
}

// pathShapeRE folds numeric and long opaque segments into a wildcard so
// /support/drivers/legacy/41 and /support/drivers/legacy/42 fold to the
// same shape, per spec.md §4.2's path_dead_pattern.
var pathShapeRE = regexp.MustCompile(`/(\d+|[a-f0-9]{8,}|[A-Za-z0-9_-]{20,})(/|$)`)

// PathShape normalizes a URL path into a host-scoped template, folding
// numeric/slug segments, and decided (per SPEC_FULL.md) scoped per
// (host, doc_kind): docKind is folded into the shape so a manufacturer's
// dead /support/drivers/legacy/* pattern does not cool its /reviews/*
// paths too.
func PathShape(rawURL, docKind string) (host, shape string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("frontier: parse url: %w", err)
	}
	folded := pathShapeRE.ReplaceAllString(u.Path, "/*$2")
	return u.Host, docKind + ":" + folded, nil
}

// RecordPathFailure increments the distinct-source counter for a
// (host, doc_kind, path shape) and reports whether the pattern should now
// be promoted to dead_path (>= DeadPathThreshold distinct sources).
func (f *Frontier) RecordPathFailure(ctx context.Context, host, shape, sourceID string) (promoted bool, err error) {
	key := pathFailuresKey(host, shape)
	if _, err := f.redis.SAdd(ctx, key, sourceID).Result(); err != nil {
		return false, fmt.Errorf("frontier: record path failure: %w", err)
	}
	_ = f.redis.Expire(ctx, key, 24*time.Hour)
	count, err := f.redis.SCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("frontier: count path failures: %w", err)
	}
	promoted = count >= int64(f.policy.DeadPathThreshold)
	if promoted && f.bus != nil {
		f.bus.Publish(events.StageFetch, events.KindRepairQueryEnqueued, host, map[string]any{
			"reason": "dead_path_pattern", "shape": shape,
		})
	}
	return promoted, nil
}

// IsDeadPath reports whether a (host, shape) has already been promoted.
func (f *Frontier) IsDeadPath(ctx context.Context, host, shape string) (bool, error) {
	count, err := f.redis.SCard(ctx, pathFailuresKey(host, shape)).Result()
	if err != nil {
		return false, fmt.Errorf("frontier: check dead path: %w", err)
	}
	return count >= int64(f.policy.DeadPathThreshold), nil
}

// Admit decides whether url may be fetched now, returning false with a
// reason if the host is cooling down, the breaker is open, or the URL's
// path matches an already-promoted dead pattern.
func (f *Frontier) Admit(ctx context.Context, rawURL, docKind string) (admitted bool, reason string, err error) {
	host, shape, err := PathShape(rawURL, docKind)
	if err != nil {
		return false, "", err
	}
	if f.HostBlocked(host) {
		return false, "host_circuit_open", nil
	}
	cooling, err := f.InCooldown(ctx, host)
	if err != nil {
		return false, "", err
	}
	if cooling {
		return false, "host_cooldown", nil
	}
	dead, err := f.IsDeadPath(ctx, host, shape)
	if err != nil {
		return false, "", err
	}
	if dead {
		return false, "dead_path_pattern", nil
	}
	return true, "", nil
}

// RootDomain extracts the registrable-ish root domain from a host by
// keeping the last two labels — sufficient for the diversity bonus this
// module needs (no public-suffix-list dependency appears in the pack).
func RootDomain(host string) string {
	host = strings.TrimSuffix(host, ".")
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
