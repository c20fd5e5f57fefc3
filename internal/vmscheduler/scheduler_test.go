package vmscheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
)

type fakeIsolate struct {
	polls  atomic.Int64
	status atomic.Int32
}

func newFakeIsolate() *fakeIsolate {
	f := &fakeIsolate{}
	f.status.Store(int32(domain.Running))
	return f
}

func (f *fakeIsolate) Poll(context.Context) error {
	f.polls.Add(1)
	return nil
}
func (f *fakeIsolate) Status() domain.IsolateStatus { return domain.IsolateStatus(f.status.Load()) }
func (f *fakeIsolate) ShutdownReason() domain.ShutdownReason { return domain.ShutdownNone }
func (f *fakeIsolate) Terminate(domain.ShutdownReason)       { f.status.Store(int32(domain.Stopped)) }

func TestSchedulerPollsRegisteredIsolates(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	iso := newFakeIsolate()
	if err := s.StartVM(ctx, domain.TenantID(1), iso); err != nil {
		t.Fatalf("StartVM: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if iso.polls.Load() == 0 {
		t.Error("expected isolate to be polled at least once")
	}

	if _, err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSchedulerStopVMRemovesFromPollSet(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	iso := newFakeIsolate()
	if err := s.StartVM(ctx, domain.TenantID(7), iso); err != nil {
		t.Fatalf("StartVM: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.StopVM(ctx, domain.TenantID(7)); err != nil {
		t.Fatalf("StopVM: %v", err)
	}

	before := iso.polls.Load()
	time.Sleep(20 * time.Millisecond)
	after := iso.polls.Load()
	if after > before+1 {
		t.Errorf("isolate kept being polled after StopVM: before=%d after=%d", before, after)
	}
}
