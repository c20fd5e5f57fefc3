package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
)

// MemoryConfigStore is an in-memory ConfigStore, used by this repo's own
// tests and available to callers who want a dependency-free store for
// local development (mirrors oriys-nova's sqlmock-based test doubles,
// but as a real lightweight implementation rather than a mock).
type MemoryConfigStore struct {
	mu      sync.Mutex
	scripts map[domain.ScriptID]domain.Script
	links   map[domain.TenantID][]ScriptLink
	meta    map[domain.TenantID]MetaConfig
	timers  map[string]IntervalTimer
}

func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{
		scripts: make(map[domain.ScriptID]domain.Script),
		links:   make(map[domain.TenantID][]ScriptLink),
		meta:    make(map[domain.TenantID]MetaConfig),
		timers:  make(map[string]IntervalTimer),
	}
}

func (m *MemoryConfigStore) ListScripts(_ context.Context, tenant domain.TenantID) ([]domain.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Script
	for _, s := range m.scripts {
		if s.TenantID == tenant {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryConfigStore) GetScript(_ context.Context, tenant domain.TenantID, id domain.ScriptID) (domain.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scripts[id]
	if !ok || s.TenantID != tenant {
		return domain.Script{}, ErrScriptNotFound
	}
	return s, nil
}

func (m *MemoryConfigStore) CreateScript(_ context.Context, s domain.Script) (domain.Script, error) {
	if err := s.Validate(); err != nil {
		return domain.Script{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		for id := range m.scripts {
			if id > s.ID {
				s.ID = id
			}
		}
		s.ID++
	}
	s.UpdatedAt = time.Now()
	m.scripts[s.ID] = s
	return s, nil
}

func (m *MemoryConfigStore) UpdateScript(_ context.Context, s domain.Script) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scripts[s.ID]; !ok {
		return ErrScriptNotFound
	}
	s.UpdatedAt = time.Now()
	m.scripts[s.ID] = s
	return nil
}

func (m *MemoryConfigStore) DelScript(_ context.Context, _ domain.TenantID, id domain.ScriptID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scripts, id)
	return nil
}

func (m *MemoryConfigStore) ListLinks(_ context.Context, tenant domain.TenantID) ([]ScriptLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScriptLink(nil), m.links[tenant]...), nil
}

func (m *MemoryConfigStore) AddLink(_ context.Context, tenant domain.TenantID, l ScriptLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.links[tenant] {
		if existing == l {
			return nil
		}
	}
	m.links[tenant] = append(m.links[tenant], l)
	return nil
}

func (m *MemoryConfigStore) DelLink(_ context.Context, tenant domain.TenantID, l ScriptLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.links[tenant][:0]
	for _, existing := range m.links[tenant] {
		if existing != l {
			kept = append(kept, existing)
		}
	}
	m.links[tenant] = kept
	return nil
}

func (m *MemoryConfigStore) GetMetaConfig(_ context.Context, tenant domain.TenantID) (MetaConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[tenant], nil
}

func (m *MemoryConfigStore) UpdateMetaConfig(_ context.Context, tenant domain.TenantID, cfg MetaConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[tenant] = cfg
	return nil
}

func timerKey(tenant domain.TenantID, script domain.ScriptID, name string) string {
	return fmt.Sprintf("%d/%d/%s", tenant, script, name)
}

func (m *MemoryConfigStore) GetIntervalTimer(_ context.Context, tenant domain.TenantID, script domain.ScriptID, name string) (IntervalTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[timerKey(tenant, script, name)]
	if !ok {
		return IntervalTimer{}, ErrTimerNotFound
	}
	return t, nil
}

func (m *MemoryConfigStore) UpdateIntervalTimer(_ context.Context, t IntervalTimer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[timerKey(t.TenantID, t.ScriptID, t.Name)] = t
	return nil
}

func (m *MemoryConfigStore) DelIntervalTimer(_ context.Context, tenant domain.TenantID, script domain.ScriptID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, timerKey(tenant, script, name))
	return nil
}

func (m *MemoryConfigStore) ListIntervalTimers(_ context.Context, tenant domain.TenantID) ([]IntervalTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []IntervalTimer
	for _, t := range m.timers {
		if t.TenantID == tenant {
			out = append(out, t)
		}
	}
	return out, nil
}

// MemoryBucketStore is an in-memory BucketStore for tests, implementing
// the same quota-relevant UsageBytes accounting as RedisBucketStore.
type MemoryBucketStore struct {
	mu   sync.Mutex
	data map[domain.TenantID]map[string][]byte
}

func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{data: make(map[domain.TenantID]map[string][]byte)}
}

func (m *MemoryBucketStore) bucket(tenant domain.TenantID) map[string][]byte {
	b, ok := m.data[tenant]
	if !ok {
		b = make(map[string][]byte)
		m.data[tenant] = b
	}
	return b
}

func (m *MemoryBucketStore) Get(_ context.Context, tenant domain.TenantID, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.bucket(tenant)[key]
	if !ok {
		return nil, domain.NewHostError("bucket_get", domain.KindNotFound, nil)
	}
	return v, nil
}

func (m *MemoryBucketStore) GetMany(_ context.Context, tenant domain.TenantID, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	b := m.bucket(tenant)
	for _, k := range keys {
		if v, ok := b[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryBucketStore) Set(_ context.Context, tenant domain.TenantID, key string, value []byte, _ time.Duration) error {
	if len(value) > MaxBucketValueBytes {
		return domain.NewHostError("bucket_set", domain.KindInvalidArgument, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(tenant)[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBucketStore) SetIfExists(_ context.Context, tenant domain.TenantID, key string, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(tenant)
	if _, ok := b[key]; !ok {
		return false, nil
	}
	b[key] = append([]byte(nil), value...)
	return true, nil
}

func (m *MemoryBucketStore) SetIfNotExists(_ context.Context, tenant domain.TenantID, key string, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(tenant)
	if _, ok := b[key]; ok {
		return false, nil
	}
	b[key] = append([]byte(nil), value...)
	return true, nil
}

func (m *MemoryBucketStore) Del(_ context.Context, tenant domain.TenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(tenant), key)
	return nil
}

func (m *MemoryBucketStore) Incr(_ context.Context, tenant domain.TenantID, key string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(tenant)
	cur := 0.0
	if v, ok := b[key]; ok {
		cur, _ = strconv.ParseFloat(string(v), 64)
	}
	cur += amount
	b[key] = []byte(strconv.FormatFloat(cur, 'f', -1, 64))
	return cur, nil
}

func (m *MemoryBucketStore) List(_ context.Context, tenant domain.TenantID, pattern, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.bucket(tenant) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		if after != "" && k <= after {
			continue
		}
		if pattern != "" {
			if ok, _ := matchGlob(pattern, k); !ok {
				continue
			}
		}
		out = append(out, k)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryBucketStore) SortedList(_ context.Context, tenant domain.TenantID, order SortOrder, offset, limit int) ([]BucketEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []BucketEntry
	for k, v := range m.bucket(tenant) {
		score, _ := strconv.ParseFloat(string(v), 64)
		entries = append(entries, BucketEntry{Key: k, Value: v, Score: score})
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

func (m *MemoryBucketStore) UsageBytes(_ context.Context, tenant domain.TenantID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, v := range m.bucket(tenant) {
		total += int64(len(v))
	}
	return total, nil
}
