package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

// redisCreateScript inserts a plan hash at version 1 unless the key exists.
// KEYS[1] = plan hash key
// KEYS[2] = owner index set key
// ARGV[1] = record JSON
// ARGV[2] = plan id
var redisCreateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "record", ARGV[1], "version", 1)
redis.call("SADD", KEYS[2], ARGV[2])
return 1
`)

// redisUpdateScript replaces the record when the stored version matches.
// KEYS[1] = plan hash key
// ARGV[1] = record JSON
// ARGV[2] = expected version
// Returns -1 when missing, 0 on version mismatch, 1 on success.
var redisUpdateScript = redis.NewScript(`
local version = redis.call("HGET", KEYS[1], "version")
if not version then
    return -1
end
if tonumber(version) ~= tonumber(ARGV[2]) then
    return 0
end
redis.call("HSET", KEYS[1], "record", ARGV[1], "version", tonumber(version) + 1)
return 1
`)

// RedisStore implements plan.Storage using Redis.
// Each plan is a hash holding its JSON record and version.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stakeplan"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) planKey(key plan.Key) string {
	return fmt.Sprintf("%s:plan:%s:%d", s.prefix, key.Owner, key.ID)
}

func (s *RedisStore) ownerKey(owner plan.Identity) string {
	return fmt.Sprintf("%s:owner:%s", s.prefix, owner)
}

func (s *RedisStore) Create(ctx context.Context, p *plan.Plan) error {
	record, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	res, err := redisCreateScript.Run(ctx, s.client,
		[]string{s.planKey(p.Key()), s.ownerKey(p.Owner)},
		string(record), strconv.FormatUint(p.ID, 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis create plan: %w", err)
	}
	if res == 0 {
		return plan.ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key plan.Key) (*plan.Plan, int64, error) {
	vals, err := s.client.HMGet(ctx, s.planKey(key), "record", "version").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis get plan: %w", err)
	}
	record, ok := vals[0].(string)
	if !ok {
		return nil, 0, plan.ErrNotFound
	}
	versionStr, _ := vals[1].(string)
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("redis plan %s: bad version %q", key, versionStr)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(record), &p); err != nil {
		return nil, 0, fmt.Errorf("decode plan %s: %w", key, err)
	}
	if p.Attestations == nil {
		p.Attestations = []plan.Attestation{}
	}
	return &p, version, nil
}

func (s *RedisStore) Update(ctx context.Context, p *plan.Plan, expected int64) error {
	record, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	res, err := redisUpdateScript.Run(ctx, s.client,
		[]string{s.planKey(p.Key())}, string(record), expected,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis update plan: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return plan.ErrConflict
	default:
		return plan.ErrNotFound
	}
}

// ListByOwner returns up to limit of the owner's plans ordered by id.
func (s *RedisStore) ListByOwner(ctx context.Context, owner plan.Identity, limit int) ([]*plan.Plan, error) {
	members, err := s.client.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list plans: %w", err)
	}
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	plans := make([]*plan.Plan, 0, len(ids))
	for _, id := range ids {
		p, _, err := s.Get(ctx, plan.Key{Owner: owner, ID: id})
		if errors.Is(err, plan.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}
