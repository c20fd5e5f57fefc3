// Package eventrouter implements the Event Router: a pure mapping
// from an external platform event to the (tenant, dispatch name, payload)
// tuple the Tenant Manager broadcasts to a tenant's isolates. Events that
// carry no tenant id are dropped.
//
// Grounded on oriys-nova's internal/gateway event-dispatch switch (a type
// switch over the platform's event envelope, one case per event kind),
// adapted from "dispatch to a handler func" to "return a typed tuple or
// ok=false", since routing here is a pure function the Tenant Manager
// calls rather than a side-effecting handler registry.
package eventrouter

import "github.com/botloader/scriptruntime/internal/domain"

// Routed is the outcome of successfully routing an external event.
type Routed struct {
	Tenant  domain.TenantID
	Event   domain.DispatchEvent
}

// Message is the subset of a platform message payload the router needs.
type Message struct {
	TenantID  domain.TenantID
	ChannelID uint64
	MessageID uint64
	AuthorID  uint64
	Content   string
}

// MessageCreate, MessageUpdate, MessageDelete are the platform event
// envelopes the router maps to BOTLOADER dispatch names.
type MessageCreate struct{ Message Message }
type MessageUpdate struct{ Message Message }
type MessageDelete struct {
	TenantID  domain.TenantID
	ChannelID uint64
	MessageID uint64
}

// CommandInteraction is a slash-command invocation.
type CommandInteraction struct {
	TenantID domain.TenantID
	Name     string
	Args     map[string]any
	Token    string
}

// IntervalTimerFired is raised by the interval-timer scheduler when one of a tenant's declared timers is due.
type IntervalTimerFired struct {
	TenantID domain.TenantID
	ScriptID domain.ScriptID
	Name     string
}

// Route maps one external event to a Routed dispatch tuple, with one case
// per event type in the switch below. The compiler does not check that the
// switch covers every type: a new event type added to this package without
// a case here falls through to ok=false rather than silently misrouting.
func Route(ev any) (Routed, bool) {
	switch e := ev.(type) {
	case MessageCreate:
		return Routed{Tenant: e.Message.TenantID, Event: domain.DispatchEvent{
			Name: domain.EventMessageCreate, Payload: e.Message,
		}}, true

	case MessageUpdate:
		return Routed{Tenant: e.Message.TenantID, Event: domain.DispatchEvent{
			Name: domain.EventMessageUpdate, Payload: e.Message,
		}}, true

	case MessageDelete:
		return Routed{Tenant: e.TenantID, Event: domain.DispatchEvent{
			Name: domain.EventMessageDelete, Payload: e,
		}}, true

	case CommandInteraction:
		return Routed{Tenant: e.TenantID, Event: domain.DispatchEvent{
			Name: domain.EventCommandInteraction, Payload: e,
		}}, true

	case IntervalTimerFired:
		return Routed{Tenant: e.TenantID, Event: domain.DispatchEvent{
			Name: domain.EventIntervalTimerFired, Payload: e,
		}}, true

	default:
		return Routed{}, false
	}
}
