// Package store defines the persistent collaborators the runtime consumes:
// a config store for scripts/links/meta-config/interval timers, and a
// bucket store for tenant key-value storage. Both are external
// collaborators used across the runtime — this package provides the Go interfaces
// plus a concrete Postgres/Redis-backed default, not a full product.
//
// Grounded on oriys-nova's internal/store package: pgxpool-backed
// ConfigStore mirrors oriys-nova/internal/store/postgres.go's
// ensureSchema/ping idiom, and the Redis bucket store mirrors
// internal/store/redis.go's Lua-script-for-atomicity pattern.
package store

import (
	"context"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
)

// ScriptLink attaches a Script to a ScriptContext.
type ScriptLink struct {
	ScriptID domain.ScriptID
	Context  domain.ScriptContext
}

// MetaConfig is per-tenant configuration not tied to any one script.
type MetaConfig struct {
	ErrorChannelID uint64 // 0 = unset
}

// IntervalTimerSchedule is either a fixed period or a cron expression;
// exactly one of Minutes/Cron is set.
type IntervalTimerSchedule struct {
	Minutes int
	Cron    string
}

// IntervalTimer is a tenant+script-scoped interval timer declaration.
type IntervalTimer struct {
	TenantID domain.TenantID
	ScriptID domain.ScriptID
	Name     string
	Schedule IntervalTimerSchedule
	LastRun  time.Time
}

// ConfigStore is the persistent configuration collaborator.
// Implementations must be idempotent where the method name implies it
// (CreateScript may be called twice with the same ID only via distinct
// IDs; UpdateScript/DelScript are naturally idempotent).
type ConfigStore interface {
	ListScripts(ctx context.Context, tenant domain.TenantID) ([]domain.Script, error)
	GetScript(ctx context.Context, tenant domain.TenantID, id domain.ScriptID) (domain.Script, error)
	CreateScript(ctx context.Context, s domain.Script) (domain.Script, error)
	UpdateScript(ctx context.Context, s domain.Script) error
	DelScript(ctx context.Context, tenant domain.TenantID, id domain.ScriptID) error

	ListLinks(ctx context.Context, tenant domain.TenantID) ([]ScriptLink, error)
	AddLink(ctx context.Context, tenant domain.TenantID, l ScriptLink) error
	DelLink(ctx context.Context, tenant domain.TenantID, l ScriptLink) error

	GetMetaConfig(ctx context.Context, tenant domain.TenantID) (MetaConfig, error)
	UpdateMetaConfig(ctx context.Context, tenant domain.TenantID, cfg MetaConfig) error

	GetIntervalTimer(ctx context.Context, tenant domain.TenantID, script domain.ScriptID, name string) (IntervalTimer, error)
	UpdateIntervalTimer(ctx context.Context, t IntervalTimer) error
	DelIntervalTimer(ctx context.Context, tenant domain.TenantID, script domain.ScriptID, name string) error
	ListIntervalTimers(ctx context.Context, tenant domain.TenantID) ([]IntervalTimer, error)
}

// SortOrder controls BucketSortedList ordering.
type SortOrder int

const (
	SortAscending SortOrder = iota
	SortDescending
)

// BucketEntry is one key/value/score row from the bucket store.
type BucketEntry struct {
	Key   string
	Value []byte
	Score float64
}

// BucketStore is the bulk tenant key-value collaborator.
// Values are JSON (<=1MiB) or a float counter; TTL is optional (zero means
// no expiry).
type BucketStore interface {
	Get(ctx context.Context, tenant domain.TenantID, key string) ([]byte, error)
	GetMany(ctx context.Context, tenant domain.TenantID, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, tenant domain.TenantID, key string, value []byte, ttl time.Duration) error
	SetIfExists(ctx context.Context, tenant domain.TenantID, key string, value []byte, ttl time.Duration) (bool, error)
	SetIfNotExists(ctx context.Context, tenant domain.TenantID, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, tenant domain.TenantID, key string) error
	Incr(ctx context.Context, tenant domain.TenantID, key string, amount float64) (float64, error)
	List(ctx context.Context, tenant domain.TenantID, pattern, after string, limit int) ([]string, error)
	SortedList(ctx context.Context, tenant domain.TenantID, order SortOrder, offset, limit int) ([]BucketEntry, error)

	// UsageBytes returns the total bytes currently stored for tenant,
	// consulted by the storage quota gate when its cache runs dry.
	UsageBytes(ctx context.Context, tenant domain.TenantID) (int64, error)
}

// DefaultListLimit / MaxListLimit bound BucketStore.List's page size.
const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)
