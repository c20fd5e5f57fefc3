package hostcalls

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/store"
)

type fakeChat struct{}

func (fakeChat) GetGuild(context.Context, domain.TenantID) (any, error) { return map[string]any{"ok": true}, nil }
func (fakeChat) GetChannel(context.Context, domain.TenantID, uint64) (any, error) { return nil, nil }
func (fakeChat) GetChannels(context.Context, domain.TenantID) (any, error)        { return nil, nil }
func (fakeChat) GetRole(context.Context, domain.TenantID, uint64) (any, error)    { return nil, nil }
func (fakeChat) GetRoles(context.Context, domain.TenantID) (any, error)           { return nil, nil }
func (fakeChat) GetMessage(context.Context, domain.TenantID, uint64, uint64) (any, error) {
	return nil, nil
}
func (fakeChat) GetMessages(context.Context, domain.TenantID, uint64, int) (any, error) {
	return nil, nil
}
func (fakeChat) CreateMessage(context.Context, domain.TenantID, uint64, any) (any, error) {
	return map[string]any{"id": 1}, nil
}
func (fakeChat) EditMessage(context.Context, domain.TenantID, uint64, uint64, any) (any, error) {
	return nil, nil
}
func (fakeChat) DeleteMessage(context.Context, domain.TenantID, uint64, uint64) error { return nil }
func (fakeChat) BulkDeleteMessages(context.Context, domain.TenantID, uint64, []uint64) error {
	return nil
}
func (fakeChat) CreateFollowupMessage(context.Context, domain.TenantID, string, any) (any, error) {
	return nil, nil
}

func newTestState() *State {
	return NewState(1, 1, fakeChat{}, store.NewMemoryBucketStore(), nil, 1024, 4096)
}

func TestRegistryInvokeUnknownCall(t *testing.T) {
	r := New()
	RegisterDefaults(r)
	_, err := r.Invoke(context.Background(), "not_a_call", newTestState(), nil)
	if err == nil {
		t.Fatal("expected error for unknown host call")
	}
	herr, ok := err.(*domain.HostError)
	if !ok || herr.Kind != domain.KindInvalidArgument {
		t.Fatalf("got %v, want KindInvalidArgument HostError", err)
	}
}

func TestRegistryAsyncFlag(t *testing.T) {
	r := New()
	RegisterDefaults(r)
	if r.IsAsync("bucket_set") {
		t.Error("bucket_set should be sync")
	}
	if !r.IsAsync("get_guild") {
		t.Error("get_guild should be async")
	}
	if !r.IsAsync("next_event") {
		t.Error("next_event should be async")
	}
}

func TestBucketRoundTrip(t *testing.T) {
	st := newTestState()
	ctx := context.Background()
	r := New()
	RegisterDefaults(r)

	setArgs, _ := json.Marshal(bucketSetArgs{Key: "k", Value: json.RawMessage(`"v"`)})
	if _, err := r.Invoke(ctx, "bucket_set", st, setArgs); err != nil {
		t.Fatalf("bucket_set: %v", err)
	}

	getArgs, _ := json.Marshal(bucketKeyArgs{Key: "k"})
	got, err := r.Invoke(ctx, "bucket_get", st, getArgs)
	if err != nil {
		t.Fatalf("bucket_get: %v", err)
	}
	if raw, ok := got.(json.RawMessage); !ok || string(raw) != `"v"` {
		t.Errorf("bucket_get = %v, want \"v\"", got)
	}
}

func TestQuotaGateExceeded(t *testing.T) {
	st := NewState(1, 1, fakeChat{}, store.NewMemoryBucketStore(), nil, 8, 16)
	ctx := context.Background()
	r := New()
	RegisterDefaults(r)

	big := []byte(`"xxxxxxxxxxxxxxxxxx"`) // 20 bytes of valid JSON
	setArgs, _ := json.Marshal(bucketSetArgs{Key: "big", Value: json.RawMessage(big)})
	_, err := r.Invoke(ctx, "bucket_set", st, setArgs)
	if err == nil {
		t.Fatal("expected quota exceeded error")
	}
	herr, ok := err.(*domain.HostError)
	if !ok || herr.Kind != domain.KindQuotaExceeded {
		t.Fatalf("got %v, want KindQuotaExceeded", err)
	}
}

func TestBucketIncrRespectsQuota(t *testing.T) {
	buckets := store.NewMemoryBucketStore()
	ctx := context.Background()
	// Pre-fill the tenant's bucket close to its cap, the way an earlier
	// bucket_set call would: only 6 bytes of headroom remain (a 16-byte
	// cap minus the 10-byte seed), fewer than the incrReserveBytes one
	// bucket_incr reserves.
	if err := buckets.Set(ctx, 1, "seed", make([]byte, 10), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	st := NewState(1, 1, fakeChat{}, buckets, nil, incrReserveBytes, 16)
	r := New()
	RegisterDefaults(r)

	incrArgs, _ := json.Marshal(bucketIncrArgs{Key: "counter", Amount: 1})
	_, err := r.Invoke(ctx, "bucket_incr", st, incrArgs)
	if err == nil {
		t.Fatal("expected bucket_incr to be rejected by the quota gate")
	}
	herr, ok := err.(*domain.HostError)
	if !ok || herr.Kind != domain.KindQuotaExceeded {
		t.Fatalf("got %v, want KindQuotaExceeded", err)
	}
	if v, err := buckets.Get(ctx, 1, "counter"); err == nil {
		t.Fatalf("bucket_incr should not have written a value, got %q", v)
	}
}

func TestNextEventWaitsThenReturns(t *testing.T) {
	st := newTestState()
	r := New()
	RegisterDefaults(r)

	done := make(chan struct{})
	var result any
	var callErr error
	go func() {
		result, callErr = r.Invoke(context.Background(), "next_event", st, nil)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	st.PushEvent(domain.DispatchEvent{Name: domain.EventMessageCreate, Payload: map[string]any{"id": 1}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("next_event did not return after event was pushed")
	}
	if callErr != nil {
		t.Fatalf("next_event error: %v", callErr)
	}
	ev, ok := result.(domain.DispatchEvent)
	if !ok || ev.Name != domain.EventMessageCreate {
		t.Errorf("next_event result = %v", result)
	}
}

func TestSetIntervalTimerWithoutHookIsNoop(t *testing.T) {
	st := newTestState()
	r := New()
	RegisterDefaults(r)

	args, _ := json.Marshal(setIntervalTimerArgs{Name: "daily", Minutes: 60})
	if _, err := r.Invoke(context.Background(), "set_interval_timer", st, args); err != nil {
		t.Fatalf("set_interval_timer: %v", err)
	}
}

func TestSetIntervalTimerInvokesHook(t *testing.T) {
	st := newTestState()
	r := New()
	RegisterDefaults(r)

	var got store.IntervalTimer
	st.OnTimerUpdate = func(ctx context.Context, t store.IntervalTimer) error {
		got = t
		return nil
	}

	args, _ := json.Marshal(setIntervalTimerArgs{Name: "daily", Cron: "0 0 * * *"})
	if _, err := r.Invoke(context.Background(), "set_interval_timer", st, args); err != nil {
		t.Fatalf("set_interval_timer: %v", err)
	}
	if got.Name != "daily" || got.Schedule.Cron != "0 0 * * *" {
		t.Errorf("unexpected hook call: %+v", got)
	}
}

func TestDelIntervalTimerInvokesHook(t *testing.T) {
	st := newTestState()
	r := New()
	RegisterDefaults(r)

	var gotName string
	st.OnTimerDelete = func(ctx context.Context, script domain.ScriptID, name string) error {
		gotName = name
		return nil
	}

	args, _ := json.Marshal(delIntervalTimerArgs{Name: "daily"})
	if _, err := r.Invoke(context.Background(), "del_interval_timer", st, args); err != nil {
		t.Fatalf("del_interval_timer: %v", err)
	}
	if gotName != "daily" {
		t.Errorf("expected hook called with name=daily, got %q", gotName)
	}
}
