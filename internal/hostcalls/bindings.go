package hostcalls

import (
	"context"
	"encoding/json"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/store"
)

// RegisterDefaults wires the standard call groups into r: script
// lifecycle, logging, chat, storage, and event pull. Call once when
// building the shared Registry; the same Registry is reused across every
// tenant's isolates.
func RegisterDefaults(r *Registry) {
	registerScriptLifecycle(r)
	registerLogging(r)
	registerChat(r)
	registerStorage(r)
	registerEvents(r)
}

// --- script lifecycle ---

type scriptStartArgs struct {
	Commands []string `json:"commands"`
	Timers   []string `json:"timers"`
}

func registerScriptLifecycle(r *Registry) {
	r.Register("script_start", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a scriptStartArgs
		if err := decode("script_start", args, &a); err != nil {
			return nil, err
		}
		contribs := domain.ScriptContribs{Commands: a.Commands, Timers: a.Timers}
		if st.OnScriptStart != nil {
			if err := st.OnScriptStart(ctx, contribs); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// --- logging ---

type logArgs struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
	File  string `json:"file"`
	Line  int    `json:"line"`
	Col   int    `json:"col"`
}

func registerLogging(r *Registry) {
	r.Register("log", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a logArgs
		if err := decode("log", args, &a); err != nil {
			return nil, err
		}
		return nil, st.Logs.Write(ctx, logging.DispatchLog{
			Timestamp: time.Now(),
			TenantID:  uint64(st.Tenant),
			ScriptID:  uint64(st.Script),
			Severity:  severityFromString(a.Level),
			Message:   a.Msg,
			File:      a.File,
			Line:      a.Line,
			Column:    a.Col,
		})
	})
}

func severityFromString(s string) logging.Severity {
	switch s {
	case "error":
		return logging.SeverityError
	case "crit", "critical":
		return logging.SeverityCrit
	case "warn", "warning":
		return logging.SeverityWarn
	default:
		return logging.SeverityInfo
	}
}

// --- chat ---

type channelArgs struct {
	ChannelID uint64 `json:"channel_id"`
}
type roleArgs struct {
	RoleID uint64 `json:"role_id"`
}
type messageArgs struct {
	ChannelID uint64 `json:"channel_id"`
	MessageID uint64 `json:"message_id"`
}
type messagesArgs struct {
	ChannelID uint64 `json:"channel_id"`
	Limit     int    `json:"limit"`
}
type createMessageArgs struct {
	ChannelID uint64          `json:"channel_id"`
	Body      json.RawMessage `json:"body"`
}
type editMessageArgs struct {
	ChannelID uint64          `json:"channel_id"`
	MessageID uint64          `json:"message_id"`
	Body      json.RawMessage `json:"body"`
}
type bulkDeleteArgs struct {
	ChannelID  uint64   `json:"channel_id"`
	MessageIDs []uint64 `json:"message_ids"`
}
type followupArgs struct {
	InteractionToken string          `json:"interaction_token"`
	Body             json.RawMessage `json:"body"`
}

func registerChat(r *Registry) {
	r.RegisterAsync("get_guild", func(ctx context.Context, st *State, _ json.RawMessage) (any, error) {
		return st.Chat.GetGuild(ctx, st.Tenant)
	})
	r.RegisterAsync("get_channel", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a channelArgs
		if err := decode("get_channel", args, &a); err != nil {
			return nil, err
		}
		return st.Chat.GetChannel(ctx, st.Tenant, a.ChannelID)
	})
	r.RegisterAsync("get_channels", func(ctx context.Context, st *State, _ json.RawMessage) (any, error) {
		return st.Chat.GetChannels(ctx, st.Tenant)
	})
	r.RegisterAsync("get_role", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a roleArgs
		if err := decode("get_role", args, &a); err != nil {
			return nil, err
		}
		return st.Chat.GetRole(ctx, st.Tenant, a.RoleID)
	})
	r.RegisterAsync("get_roles", func(ctx context.Context, st *State, _ json.RawMessage) (any, error) {
		return st.Chat.GetRoles(ctx, st.Tenant)
	})
	r.RegisterAsync("get_message", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a messageArgs
		if err := decode("get_message", args, &a); err != nil {
			return nil, err
		}
		return st.Chat.GetMessage(ctx, st.Tenant, a.ChannelID, a.MessageID)
	})
	r.RegisterAsync("get_messages", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a messagesArgs
		if err := decode("get_messages", args, &a); err != nil {
			return nil, err
		}
		return st.Chat.GetMessages(ctx, st.Tenant, a.ChannelID, a.Limit)
	})
	r.RegisterAsync("create_message", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a createMessageArgs
		if err := decode("create_message", args, &a); err != nil {
			return nil, err
		}
		return st.Chat.CreateMessage(ctx, st.Tenant, a.ChannelID, a.Body)
	})
	r.RegisterAsync("edit_message", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a editMessageArgs
		if err := decode("edit_message", args, &a); err != nil {
			return nil, err
		}
		return st.Chat.EditMessage(ctx, st.Tenant, a.ChannelID, a.MessageID, a.Body)
	})
	r.RegisterAsync("delete_message", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a messageArgs
		if err := decode("delete_message", args, &a); err != nil {
			return nil, err
		}
		return nil, st.Chat.DeleteMessage(ctx, st.Tenant, a.ChannelID, a.MessageID)
	})
	r.RegisterAsync("bulk_delete_messages", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bulkDeleteArgs
		if err := decode("bulk_delete_messages", args, &a); err != nil {
			return nil, err
		}
		return nil, st.Chat.BulkDeleteMessages(ctx, st.Tenant, a.ChannelID, a.MessageIDs)
	})
	r.RegisterAsync("create_followup_message", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a followupArgs
		if err := decode("create_followup_message", args, &a); err != nil {
			return nil, err
		}
		return st.Chat.CreateFollowupMessage(ctx, st.Tenant, a.InteractionToken, a.Body)
	})
}

// --- storage ---

type bucketKeyArgs struct {
	Key string `json:"key"`
}
type bucketSetArgs struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds int             `json:"ttl_seconds"`
}
type bucketIncrArgs struct {
	Key    string  `json:"key"`
	Amount float64 `json:"amount"`
}

// incrReserveBytes is the quota charge for one bucket_incr call: a wide
// enough upper bound for strconv.FormatFloat(v, 'f', -1, 64) on any
// counter value a script would plausibly accumulate.
const incrReserveBytes = 32
type bucketListArgs struct {
	Pattern string `json:"pattern"`
	After   string `json:"after"`
	Limit   int    `json:"limit"`
}
type bucketSortedListArgs struct {
	Descending bool `json:"descending"`
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
}

func registerStorage(r *Registry) {
	r.Register("bucket_get", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bucketKeyArgs
		if err := decode("bucket_get", args, &a); err != nil {
			return nil, err
		}
		v, err := st.Buckets.Get(ctx, st.Tenant, a.Key)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(v), nil
	})

	r.Register("bucket_set", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bucketSetArgs
		if err := decode("bucket_set", args, &a); err != nil {
			return nil, err
		}
		if err := st.quota.Reserve(ctx, st.Tenant, int64(len(a.Value))); err != nil {
			return nil, err
		}
		ttl := time.Duration(a.TTLSeconds) * time.Second
		if err := st.Buckets.Set(ctx, st.Tenant, a.Key, a.Value, ttl); err != nil {
			return nil, err
		}
		return nil, nil
	})

	r.Register("bucket_set_if_exists", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bucketSetArgs
		if err := decode("bucket_set_if_exists", args, &a); err != nil {
			return nil, err
		}
		if err := st.quota.Reserve(ctx, st.Tenant, int64(len(a.Value))); err != nil {
			return nil, err
		}
		ttl := time.Duration(a.TTLSeconds) * time.Second
		return st.Buckets.SetIfExists(ctx, st.Tenant, a.Key, a.Value, ttl)
	})

	r.Register("bucket_set_if_not_exists", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bucketSetArgs
		if err := decode("bucket_set_if_not_exists", args, &a); err != nil {
			return nil, err
		}
		if err := st.quota.Reserve(ctx, st.Tenant, int64(len(a.Value))); err != nil {
			return nil, err
		}
		ttl := time.Duration(a.TTLSeconds) * time.Second
		return st.Buckets.SetIfNotExists(ctx, st.Tenant, a.Key, a.Value, ttl)
	})

	r.Register("bucket_del", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bucketKeyArgs
		if err := decode("bucket_del", args, &a); err != nil {
			return nil, err
		}
		if err := st.Buckets.Del(ctx, st.Tenant, a.Key); err != nil {
			return nil, err
		}
		// A deletion can free up enough quota that a gate already latched
		// at the ceiling should admit writes again; the cached allowance
		// only ever shrinks otherwise, so force the next Reserve to
		// re-measure usage from the store instead of trusting hitLimit.
		st.quota.Reset()
		return nil, nil
	})

	r.Register("bucket_incr", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bucketIncrArgs
		if err := decode("bucket_incr", args, &a); err != nil {
			return nil, err
		}
		// Incr re-stores the updated counter as a formatted float string, so
		// it changes the key's byte length the same way a set does; the
		// exact resulting length isn't known until after the store call
		// runs, so charge a conservative upper bound up front rather than
		// letting increments bypass the gate entirely.
		if err := st.quota.Reserve(ctx, st.Tenant, incrReserveBytes); err != nil {
			return nil, err
		}
		return st.Buckets.Incr(ctx, st.Tenant, a.Key, a.Amount)
	})

	r.Register("bucket_list", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bucketListArgs
		if err := decode("bucket_list", args, &a); err != nil {
			return nil, err
		}
		return st.Buckets.List(ctx, st.Tenant, a.Pattern, a.After, a.Limit)
	})

	r.Register("bucket_sorted_list", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a bucketSortedListArgs
		if err := decode("bucket_sorted_list", args, &a); err != nil {
			return nil, err
		}
		order := store.SortAscending
		if a.Descending {
			order = store.SortDescending
		}
		return st.Buckets.SortedList(ctx, st.Tenant, order, a.Offset, a.Limit)
	})

	r.Register("set_interval_timer", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a setIntervalTimerArgs
		if err := decode("set_interval_timer", args, &a); err != nil {
			return nil, err
		}
		if st.OnTimerUpdate == nil {
			return nil, nil
		}
		return nil, st.OnTimerUpdate(ctx, store.IntervalTimer{
			TenantID: st.Tenant,
			ScriptID: st.Script,
			Name:     a.Name,
			Schedule: store.IntervalTimerSchedule{Minutes: a.Minutes, Cron: a.Cron},
		})
	})

	r.Register("del_interval_timer", func(ctx context.Context, st *State, args json.RawMessage) (any, error) {
		var a delIntervalTimerArgs
		if err := decode("del_interval_timer", args, &a); err != nil {
			return nil, err
		}
		if st.OnTimerDelete == nil {
			return nil, nil
		}
		return nil, st.OnTimerDelete(ctx, st.Script, a.Name)
	})
}

type setIntervalTimerArgs struct {
	Name    string `json:"name"`
	Minutes int    `json:"minutes"`
	Cron    string `json:"cron"`
}

type delIntervalTimerArgs struct {
	Name string `json:"name"`
}

// --- events ---

func registerEvents(r *Registry) {
	r.RegisterAsync("next_event", func(ctx context.Context, st *State, _ json.RawMessage) (any, error) {
		return st.waitForEvent(ctx)
	})
}
