package eventrouter

import (
	"testing"

	"github.com/botloader/scriptruntime/internal/domain"
)

func TestRouteMessageCreate(t *testing.T) {
	ev := MessageCreate{Message: Message{TenantID: 7, ChannelID: 100, Content: "hi"}}
	routed, ok := Route(ev)
	if !ok {
		t.Fatal("expected event to route")
	}
	if routed.Tenant != 7 {
		t.Errorf("expected tenant 7, got %d", routed.Tenant)
	}
	if routed.Event.Name != domain.EventMessageCreate {
		t.Errorf("expected %s, got %s", domain.EventMessageCreate, routed.Event.Name)
	}
}

func TestRouteIntervalTimerFired(t *testing.T) {
	routed, ok := Route(IntervalTimerFired{TenantID: 3, ScriptID: 9, Name: "daily"})
	if !ok {
		t.Fatal("expected event to route")
	}
	if routed.Event.Name != domain.EventIntervalTimerFired {
		t.Errorf("expected %s, got %s", domain.EventIntervalTimerFired, routed.Event.Name)
	}
}

func TestRouteUnknownEventDropped(t *testing.T) {
	_, ok := Route(struct{}{})
	if ok {
		t.Fatal("expected unmapped event type to be dropped")
	}
}

func TestRouteCommandInteraction(t *testing.T) {
	routed, ok := Route(CommandInteraction{TenantID: 1, Name: "ping"})
	if !ok {
		t.Fatal("expected event to route")
	}
	if routed.Tenant != 1 || routed.Event.Name != domain.EventCommandInteraction {
		t.Errorf("unexpected routing result: %+v", routed)
	}
}
