package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botloader/scriptruntime/internal/domain"
)

// MaxBucketValueBytes bounds a single bucket_set value.
const MaxBucketValueBytes = 1 << 20

func bucketKey(tenant domain.TenantID, key string) string {
	return fmt.Sprintf("botloader:bucket:%d:%s", tenant, key)
}

func bucketIndexKey(tenant domain.TenantID) string {
	return fmt.Sprintf("botloader:bucket-index:%d", tenant)
}

func bucketUsageKey(tenant domain.TenantID) string {
	return fmt.Sprintf("botloader:bucket-usage:%d", tenant)
}

// incrScript atomically increments a float counter and returns the new
// value in a single round trip, mirroring oriys-nova's use of a Lua
// script for atomic name->id lookups (see oriys-nova/internal/store/redis.go).
var incrScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local n = tonumber(cur or '0') + tonumber(ARGV[1])
redis.call('SET', KEYS[1], tostring(n))
return tostring(n)
`)

// setIfScript implements SETNX/SET-if-exists semantics plus index/usage
// bookkeeping in one round trip, avoiding a check-then-set race.
var setIfScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if (ARGV[1] == '1' and exists == 0) or (ARGV[1] == '0' and exists == 1) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
if ARGV[3] ~= '' then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// RedisBucketStore implements BucketStore on go-redis.
type RedisBucketStore struct {
	client *redis.Client
}

// NewRedisBucketStore connects and pings addr.
func NewRedisBucketStore(ctx context.Context, addr, password string, db int) (*RedisBucketStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}
	return &RedisBucketStore{client: client}, nil
}

func (s *RedisBucketStore) Close() error { return s.client.Close() }

func (s *RedisBucketStore) Get(ctx context.Context, tenant domain.TenantID, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, bucketKey(tenant, key)).Bytes()
	if err == redis.Nil {
		return nil, domain.NewHostError("bucket_get", domain.KindNotFound, nil)
	}
	if err != nil {
		return nil, domain.NewHostError("bucket_get", domain.KindTransport, err)
	}
	return v, nil
}

func (s *RedisBucketStore) GetMany(ctx context.Context, tenant domain.TenantID, keys []string) (map[string][]byte, error) {
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = bucketKey(tenant, k)
	}
	vals, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, domain.NewHostError("bucket_get_many", domain.KindTransport, err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (s *RedisBucketStore) Set(ctx context.Context, tenant domain.TenantID, key string, value []byte, ttl time.Duration) error {
	if len(value) > MaxBucketValueBytes {
		return domain.NewHostError("bucket_set", domain.KindInvalidArgument, fmt.Errorf("value exceeds %d bytes", MaxBucketValueBytes))
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, bucketKey(tenant, key), value, ttl)
	pipe.SAdd(ctx, bucketIndexKey(tenant), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.NewHostError("bucket_set", domain.KindTransport, err)
	}
	return nil
}

func (s *RedisBucketStore) setIf(ctx context.Context, tenant domain.TenantID, key string, value []byte, ttl time.Duration, mustExist bool) (bool, error) {
	if len(value) > MaxBucketValueBytes {
		return false, domain.NewHostError("bucket_set_if", domain.KindInvalidArgument, fmt.Errorf("value exceeds %d bytes", MaxBucketValueBytes))
	}
	flag := "0"
	if mustExist {
		flag = "1"
	}
	ms := strconv.FormatInt(ttl.Milliseconds(), 10)
	if ttl <= 0 {
		ms = ""
	}
	res, err := setIfScript.Run(ctx, s.client, []string{bucketKey(tenant, key), bucketIndexKey(tenant)}, flag, string(value), ms, key).Int()
	if err != nil {
		return false, domain.NewHostError("bucket_set_if", domain.KindTransport, err)
	}
	return res == 1, nil
}

func (s *RedisBucketStore) SetIfExists(ctx context.Context, tenant domain.TenantID, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.setIf(ctx, tenant, key, value, ttl, true)
}

func (s *RedisBucketStore) SetIfNotExists(ctx context.Context, tenant domain.TenantID, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.setIf(ctx, tenant, key, value, ttl, false)
}

func (s *RedisBucketStore) Del(ctx context.Context, tenant domain.TenantID, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, bucketKey(tenant, key))
	pipe.SRem(ctx, bucketIndexKey(tenant), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.NewHostError("bucket_del", domain.KindTransport, err)
	}
	return nil
}

func (s *RedisBucketStore) Incr(ctx context.Context, tenant domain.TenantID, key string, amount float64) (float64, error) {
	pipe := s.client.TxPipeline()
	incr := incrScript.Run(ctx, s.client, []string{bucketKey(tenant, key)}, amount)
	pipe.SAdd(ctx, bucketIndexKey(tenant), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, domain.NewHostError("bucket_incr", domain.KindTransport, err)
	}
	raw, err := incr.Result()
	if err != nil {
		return 0, domain.NewHostError("bucket_incr", domain.KindTransport, err)
	}
	val, err := strconv.ParseFloat(fmt.Sprint(raw), 64)
	if err != nil {
		return 0, domain.NewHostError("bucket_incr", domain.KindInternal, err)
	}
	return val, nil
}

func (s *RedisBucketStore) List(ctx context.Context, tenant domain.TenantID, pattern, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	members, err := s.client.SMembers(ctx, bucketIndexKey(tenant)).Result()
	if err != nil {
		return nil, domain.NewHostError("bucket_list", domain.KindTransport, err)
	}
	sort.Strings(members)

	var out []string
	for _, m := range members {
		if after != "" && m <= after {
			continue
		}
		if pattern != "" {
			ok, err := matchGlob(pattern, m)
			if err != nil {
				return nil, domain.NewHostError("bucket_list", domain.KindInvalidArgument, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RedisBucketStore) SortedList(ctx context.Context, tenant domain.TenantID, order SortOrder, offset, limit int) ([]BucketEntry, error) {
	members, err := s.client.SMembers(ctx, bucketIndexKey(tenant)).Result()
	if err != nil {
		return nil, domain.NewHostError("bucket_sorted_list", domain.KindTransport, err)
	}

	entries := make([]BucketEntry, 0, len(members))
	for _, m := range members {
		v, err := s.client.Get(ctx, bucketKey(tenant, m)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, domain.NewHostError("bucket_sorted_list", domain.KindTransport, err)
		}
		score, _ := strconv.ParseFloat(string(v), 64)
		entries = append(entries, BucketEntry{Key: m, Value: v, Score: score})
	}

	sort.Slice(entries, func(i, j int) bool {
		if order == SortDescending {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Score < entries[j].Score
	})

	if offset >= len(entries) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end], nil
}

func (s *RedisBucketStore) UsageBytes(ctx context.Context, tenant domain.TenantID) (int64, error) {
	members, err := s.client.SMembers(ctx, bucketIndexKey(tenant)).Result()
	if err != nil {
		return 0, domain.NewHostError("guild_storage_usage_bytes", domain.KindTransport, err)
	}
	var total int64
	for _, m := range members {
		n, err := s.client.StrLen(ctx, bucketKey(tenant, m)).Result()
		if err != nil && err != redis.Nil {
			return 0, domain.NewHostError("guild_storage_usage_bytes", domain.KindTransport, err)
		}
		total += n
	}
	return total, nil
}

// matchGlob implements the subset of glob syntax (* and ?) needed for
// bucket_list's pattern argument, avoiding a dependency on shell globbing.
func matchGlob(pattern, s string) (bool, error) {
	return globMatch([]rune(pattern), []rune(s)), nil
}

func globMatch(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatch(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	}
}
