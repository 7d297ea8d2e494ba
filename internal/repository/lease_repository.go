package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/laclasse-com/annuaire-sync/pkg/errors"
)

// LeaseRepository serializes sync runs with Redis leases. A scoped run holds
// one key per in-scope structure, an unscoped run holds a single run-wide key,
// and the two kinds exclude each other. Every key carries the run id as its
// value so a release can never drop somebody else's lease.
type LeaseRepository struct {
	client *redis.Client
}

// NewLeaseRepository constructs a lease repository.
func NewLeaseRepository(client *redis.Client) *LeaseRepository {
	return &LeaseRepository{client: client}
}

const (
	leaseKeyPrefix = "annuaire-sync:lease"
	leaseAllKey    = leaseKeyPrefix + ":all"
	// leaseScopedSet tracks live structure leases so an unscoped run can
	// detect them without scanning; members expire by score.
	leaseScopedSet = leaseKeyPrefix + ":scoped"
)

func structureLeaseKey(uai string) string {
	return leaseKeyPrefix + ":uai:" + uai
}

func sortedUniqueUAIs(scope []string) []string {
	sorted := append([]string(nil), scope...)
	sort.Strings(sorted)
	out := sorted[:0]
	for i, uai := range sorted {
		if i > 0 && uai == sorted[i-1] {
			continue
		}
		out = append(out, uai)
	}
	return out
}

// acquireScopedScript takes the per-structure keys of a scoped run.
// KEYS[1] is the run-wide key, KEYS[2] the scoped registry, KEYS[3..] the
// structure keys. ARGV is runID, ttl millis, now millis, then one UAI per
// structure key.
var acquireScopedScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then
	return 0
end
for i = 3, #KEYS do
	if redis.call("exists", KEYS[i]) == 1 then
		return 0
	end
end
local expiry = tonumber(ARGV[3]) + tonumber(ARGV[2])
for i = 3, #KEYS do
	redis.call("set", KEYS[i], ARGV[1], "PX", ARGV[2])
	redis.call("zadd", KEYS[2], expiry, ARGV[i + 1])
end
return 1
`)

// acquireAllScript takes the run-wide key, refusing while any structure
// lease is live. KEYS[1] is the run-wide key, KEYS[2] the scoped registry.
// ARGV is runID, ttl millis, now millis.
var acquireAllScript = redis.NewScript(`
redis.call("zremrangebyscore", KEYS[2], "-inf", ARGV[3])
if redis.call("zcard", KEYS[2]) > 0 then
	return 0
end
if redis.call("set", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

// releaseScopedScript drops the structure keys still owned by runID.
// KEYS[1] is the scoped registry, KEYS[2..] the structure keys. ARGV is
// runID then one UAI per structure key.
var releaseScopedScript = redis.NewScript(`
for i = 2, #KEYS do
	if redis.call("get", KEYS[i]) == ARGV[1] then
		redis.call("del", KEYS[i])
		redis.call("zrem", KEYS[1], ARGV[i])
	end
end
return 1
`)

// releaseAllScript drops the run-wide key only when the caller still owns it.
var releaseAllScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes the lease for runID, failing fast when another run holds an
// overlapping one. Two scoped runs conflict as soon as they share one
// structure; an unscoped run conflicts with everything.
func (r *LeaseRepository) Acquire(ctx context.Context, scope []string, runID string, ttl time.Duration) error {
	nowMs := time.Now().UnixMilli()
	ttlMs := ttl.Milliseconds()

	if len(scope) == 0 {
		ok, err := acquireAllScript.Run(ctx, r.client,
			[]string{leaseAllKey, leaseScopedSet}, runID, ttlMs, nowMs).Int()
		if err != nil {
			return fmt.Errorf("acquire directory lease: %w", err)
		}
		if ok == 0 {
			return appErrors.ErrRunInProgress
		}
		return nil
	}

	uais := sortedUniqueUAIs(scope)
	keys := make([]string, 0, len(uais)+2)
	keys = append(keys, leaseAllKey, leaseScopedSet)
	args := make([]interface{}, 0, len(uais)+3)
	args = append(args, runID, ttlMs, nowMs)
	for _, uai := range uais {
		keys = append(keys, structureLeaseKey(uai))
		args = append(args, uai)
	}

	ok, err := acquireScopedScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("acquire structure leases: %w", err)
	}
	if ok == 0 {
		return appErrors.ErrRunInProgress
	}
	return nil
}

// Release drops the leases held by runID.
func (r *LeaseRepository) Release(ctx context.Context, scope []string, runID string) error {
	if len(scope) == 0 {
		err := releaseAllScript.Run(ctx, r.client, []string{leaseAllKey}, runID).Err()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("release directory lease: %w", err)
		}
		return nil
	}

	uais := sortedUniqueUAIs(scope)
	keys := make([]string, 0, len(uais)+1)
	keys = append(keys, leaseScopedSet)
	args := make([]interface{}, 0, len(uais)+1)
	args = append(args, runID)
	for _, uai := range uais {
		keys = append(keys, structureLeaseKey(uai))
		args = append(args, uai)
	}

	if err := releaseScopedScript.Run(ctx, r.client, keys, args...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release structure leases: %w", err)
	}
	return nil
}
