package hostcalls

import (
	"context"
	"sync"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/store"
)

// quotaGate is the per-isolate storage quota cache: rather than
// calling BucketStore.UsageBytes on every bucket write, it keeps a local
// allowance and only round-trips to the store when the allowance runs dry,
// refilling in batches up to the tenant's remaining budget.
//
// Grounded on oriys-nova's internal/cache/tiered.go (local-then-backing
// lookup) and internal/tenant/isolation.go's EnforceQuota (hard ceiling
// with a cached counter), adapted from a request-count ceiling to a
// storage-bytes ceiling.
type quotaGate struct {
	buckets store.BucketStore
	batch   int64
	max     int64

	mu        sync.Mutex
	remaining int64
	hitLimit  bool
	inFlight  bool
}

func newQuotaGate(buckets store.BucketStore, batch, max int64) *quotaGate {
	return &quotaGate{buckets: buckets, batch: batch, max: max}
}

// Reserve charges amount bytes against the tenant's storage quota,
// refilling the local allowance from the backing store as needed. It
// returns a KindQuotaExceeded HostError once the tenant's total usage has
// reached max.
func (g *quotaGate) Reserve(ctx context.Context, tenant domain.TenantID, amount int64) error {
	for {
		g.mu.Lock()
		if g.hitLimit {
			g.mu.Unlock()
			return domain.NewHostError("storage_quota", domain.KindQuotaExceeded, nil)
		}
		if g.remaining >= amount {
			g.remaining -= amount
			g.mu.Unlock()
			return nil
		}
		if g.inFlight {
			g.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		g.inFlight = true
		g.mu.Unlock()

		used, err := g.buckets.UsageBytes(ctx, tenant)

		g.mu.Lock()
		g.inFlight = false
		if err != nil {
			g.mu.Unlock()
			return domain.NewHostError("storage_quota", domain.KindTransport, err)
		}
		free := g.max - used
		if free < amount {
			// Not enough real headroom left for this particular write,
			// even though the tenant may not be completely out of quota.
			// Rejecting here (rather than caching a partial allowance and
			// looping) is what actually makes progress: a refill smaller
			// than amount would otherwise leave remaining forever short
			// of amount, and this call would spin re-measuring the same
			// free figure on every pass without ever returning.
			g.hitLimit = true
			g.mu.Unlock()
			return domain.NewHostError("storage_quota", domain.KindQuotaExceeded, nil)
		}
		refill := g.batch
		if refill < amount {
			refill = amount
		}
		if refill > free {
			refill = free
		}
		g.remaining = refill - amount
		g.mu.Unlock()
		return nil
	}
}

// Reset clears the cached allowance, used by the isolate Reset path
// so a restarted script re-measures its quota from the store rather than
// inheriting a stale cache.
func (g *quotaGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = 0
	g.hitLimit = false
	g.inFlight = false
}
