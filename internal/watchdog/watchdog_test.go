package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
)

type fakePinger struct {
	fail    atomic.Bool
	current domain.TenantID
	hasCur  atomic.Bool
}

func (p *fakePinger) Ping(ctx context.Context) (time.Time, error) {
	if p.fail.Load() {
		return time.Time{}, errors.New("timeout")
	}
	return time.Now(), nil
}

func (p *fakePinger) CurrentRunning() (domain.TenantID, bool) {
	return p.current, p.hasCur.Load()
}

type fakeLookup struct {
	terminated atomic.Int64
	reason     atomic.Int32
}

func (l *fakeLookup) TerminateTenant(id domain.TenantID, reason domain.ShutdownReason) {
	l.terminated.Store(int64(id))
	l.reason.Store(int32(reason))
}

func TestWatchdogTerminatesOnPingTimeout(t *testing.T) {
	pinger := &fakePinger{current: domain.TenantID(42)}
	pinger.hasCur.Store(true)
	pinger.fail.Store(true)
	lookup := &fakeLookup{}

	w := New(Config{PingInterval: 10 * time.Millisecond, PingTimeout: 5 * time.Millisecond}, pinger, lookup)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	w.Run(ctx)

	if lookup.terminated.Load() != 42 {
		t.Errorf("expected tenant 42 terminated, got %d", lookup.terminated.Load())
	}
	if domain.ShutdownReason(lookup.reason.Load()) != domain.ShutdownRunawayScript {
		t.Errorf("expected ShutdownRunawayScript, got %v", domain.ShutdownReason(lookup.reason.Load()))
	}
}

func TestWatchdogDoesNothingWhenHealthy(t *testing.T) {
	pinger := &fakePinger{}
	lookup := &fakeLookup{}

	w := New(Config{PingInterval: 5 * time.Millisecond}, pinger, lookup)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	w.Run(ctx)

	if lookup.terminated.Load() != 0 {
		t.Errorf("expected no termination, got tenant %d", lookup.terminated.Load())
	}
}
