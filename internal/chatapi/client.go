// Package chatapi implements the outbound chat-platform collaborator: a
// thin REST client satisfying hostcalls.ChatAPI, plus the tenant
// error-channel delivery path (logfanout.ErrorReporter) used by the Tenant
// Manager's layered log reporting.
//
// Grounded on oriys-nova/atlas/client.go's NovaClient: a *http.Client
// wrapper with a do(ctx, method, path, body) core and one thin verb method
// per HTTP verb, generalized here to one method per chat operation since
// each operation needs its own path/verb/response shape rather than a
// bare passthrough. Outbound HTTP calls are guarded by
// internal/circuitbreaker's sliding-window breaker, repurposed from
// guarding a compute-invocation pipeline: while the breaker is open, calls
// are rejected without a request. The client itself makes no retries.
// Channel-ownership checks are cached with internal/cache, grounded on
// oriys-nova's internal/cache tiered local-then-backing lookup shape.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/botloader/scriptruntime/internal/cache"
	"github.com/botloader/scriptruntime/internal/circuitbreaker"
	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/logging"
)

// Config configures Client construction.
type Config struct {
	BaseURL string
	Token   string
	HTTP    *http.Client // defaults to a Client with a 10s timeout

	BreakerErrorPct       float64       // defaults to 50
	BreakerWindow         time.Duration // defaults to 30s
	BreakerOpenDuration   time.Duration // defaults to 10s
	BreakerHalfOpenProbes int           // defaults to 1

	// ChannelCache backs the channel-ownership check; defaults to an
	// internal/cache.InMemoryCache when nil.
	ChannelCache cache.Cache
	// ChannelCacheTTL controls how long an ownership verdict is trusted
	// before falling back to a platform lookup again. Defaults to 1 minute.
	ChannelCacheTTL time.Duration
}

// channelOwnershipTTL is the default TTL for a cached ownership verdict.
const channelOwnershipTTL = time.Minute

// Client is a thin REST client over the chat platform's guild/channel/
// role/message endpoints, implementing hostcalls.ChatAPI.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *circuitbreaker.Breaker

	channelCache    cache.Cache
	channelCacheTTL time.Duration
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	errorPct := cfg.BreakerErrorPct
	if errorPct <= 0 {
		errorPct = 50
	}
	window := cfg.BreakerWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	openDuration := cfg.BreakerOpenDuration
	if openDuration <= 0 {
		openDuration = 10 * time.Second
	}
	channelCache := cfg.ChannelCache
	if channelCache == nil {
		channelCache = cache.NewInMemoryCache()
	}
	ttl := cfg.ChannelCacheTTL
	if ttl <= 0 {
		ttl = channelOwnershipTTL
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    httpClient,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			ErrorPct:       errorPct,
			WindowDuration: window,
			OpenDuration:   openDuration,
			HalfOpenProbes: cfg.BreakerHalfOpenProbes,
		}),
		channelCache:    channelCache,
		channelCacheTTL: ttl,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if !c.breaker.Allow() {
		return nil, domain.NewHostError(method+" "+path, domain.KindTransport, fmt.Errorf("chatapi: circuit open"))
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, domain.NewHostError(method+" "+path, domain.KindInvalidArgument, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, domain.NewHostError(method+" "+path, domain.KindInternal, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, domain.NewHostError(method+" "+path, domain.KindTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, domain.NewHostError(method+" "+path, domain.KindTransport, err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
		return nil, domain.NewHostError(method+" "+path, domain.KindTransport, fmt.Errorf("chat platform returned %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		c.breaker.RecordSuccess()
		return nil, domain.NewHostError(method+" "+path, domain.KindPermissionDenied, fmt.Errorf("chat platform returned %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode == http.StatusNotFound {
		c.breaker.RecordSuccess()
		return nil, domain.NewHostError(method+" "+path, domain.KindNotFound, fmt.Errorf("chat platform returned 404: %s", respBody))
	}
	if resp.StatusCode >= 400 {
		c.breaker.RecordSuccess()
		return nil, domain.NewHostError(method+" "+path, domain.KindInvalidArgument, fmt.Errorf("chat platform returned %d: %s", resp.StatusCode, respBody))
	}

	c.breaker.RecordSuccess()
	if len(respBody) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(respBody), nil
}

// channelOwnerKey is the cache key for one tenant/channel ownership
// verdict.
func channelOwnerKey(tenant domain.TenantID, channelID uint64) string {
	return fmt.Sprintf("chat:channel_owner:%d:%d", tenant, channelID)
}

// ensureChannelOwned validates that channelID belongs to tenant's guild
// before any call that addresses it is allowed to proceed: it checks
// channelCache first, and on a miss falls back to a platform lookup via
// GetChannels, caching every channel it observes (not just channelID) so a
// tenant iterating its own channels doesn't round-trip once per channel.
func (c *Client) ensureChannelOwned(ctx context.Context, tenant domain.TenantID, channelID uint64) error {
	key := channelOwnerKey(tenant, channelID)
	if cached, err := c.channelCache.Get(ctx, key); err == nil {
		if len(cached) > 0 && cached[0] == '1' {
			return nil
		}
		return domain.NewHostError("channel_ownership", domain.KindPermissionDenied, fmt.Errorf("channel %d is not owned by tenant %d", channelID, tenant))
	}

	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d/channels", tenant), nil)
	if err != nil {
		return err
	}
	var channels []struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &channels); err != nil {
		return domain.NewHostError("channel_ownership", domain.KindInternal, fmt.Errorf("decode channel list: %w", err))
	}

	owned := false
	for _, ch := range channels {
		if ch.ID == channelID {
			owned = true
		}
		_ = c.channelCache.Set(ctx, channelOwnerKey(tenant, ch.ID), []byte("1"), c.channelCacheTTL)
	}
	if !owned {
		_ = c.channelCache.Set(ctx, key, []byte("0"), c.channelCacheTTL)
		return domain.NewHostError("channel_ownership", domain.KindPermissionDenied, fmt.Errorf("channel %d is not owned by tenant %d", channelID, tenant))
	}
	return nil
}

func (c *Client) GetGuild(ctx context.Context, tenant domain.TenantID) (any, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d", tenant), nil)
}

func (c *Client) GetChannel(ctx context.Context, tenant domain.TenantID, channelID uint64) (any, error) {
	if err := c.ensureChannelOwned(ctx, tenant, channelID); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/channels/%d", channelID), nil)
}

func (c *Client) GetChannels(ctx context.Context, tenant domain.TenantID) (any, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d/channels", tenant), nil)
}

func (c *Client) GetRole(ctx context.Context, tenant domain.TenantID, roleID uint64) (any, error) {
	return c.getRole(ctx, tenant, roleID)
}

func (c *Client) GetRoles(ctx context.Context, tenant domain.TenantID) (any, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d/roles", tenant), nil)
}

func (c *Client) GetMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64) (any, error) {
	if err := c.ensureChannelOwned(ctx, tenant, channelID); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/channels/%d/messages/%d", channelID, messageID), nil)
}

func (c *Client) GetMessages(ctx context.Context, tenant domain.TenantID, channelID uint64, limit int) (any, error) {
	if err := c.ensureChannelOwned(ctx, tenant, channelID); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/channels/%d/messages?limit=%d", channelID, limit), nil)
}

func (c *Client) CreateMessage(ctx context.Context, tenant domain.TenantID, channelID uint64, body any) (any, error) {
	if err := c.ensureChannelOwned(ctx, tenant, channelID); err != nil {
		return nil, err
	}
	return c.doWithBody(ctx, http.MethodPost, fmt.Sprintf("/channels/%d/messages", channelID), body)
}

func (c *Client) EditMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64, body any) (any, error) {
	if err := c.ensureChannelOwned(ctx, tenant, channelID); err != nil {
		return nil, err
	}
	return c.doWithBody(ctx, http.MethodPatch, fmt.Sprintf("/channels/%d/messages/%d", channelID, messageID), body)
}

func (c *Client) DeleteMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64) error {
	if err := c.ensureChannelOwned(ctx, tenant, channelID); err != nil {
		return err
	}
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/channels/%d/messages/%d", channelID, messageID), nil)
	return err
}

func (c *Client) BulkDeleteMessages(ctx context.Context, tenant domain.TenantID, channelID uint64, messageIDs []uint64) error {
	if err := c.ensureChannelOwned(ctx, tenant, channelID); err != nil {
		return err
	}
	_, err := c.doWithBody(ctx, http.MethodPost, fmt.Sprintf("/channels/%d/messages/bulk-delete", channelID), map[string]any{"messages": messageIDs})
	return err
}

func (c *Client) CreateFollowupMessage(ctx context.Context, tenant domain.TenantID, interactionToken string, body any) (any, error) {
	return c.doWithBody(ctx, http.MethodPost, fmt.Sprintf("/interactions/%s/followup", interactionToken), body)
}

// getRole collapses the two-arg chatapi shape into the one-arg do() path.
func (c *Client) getRole(ctx context.Context, tenant domain.TenantID, roleID uint64) (any, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d/roles/%d", tenant, roleID), nil)
}

func (c *Client) doWithBody(ctx context.Context, method, path string, body any) (any, error) {
	return c.do(ctx, method, path, body)
}

// ErrorChannelLookup resolves a tenant to its configured error channel,
// supplied by whoever constructs a Reporter (the Tenant Manager knows the
// channel from store.MetaConfig; see internal/tenantmgr).
type ErrorChannelLookup func(tenant domain.TenantID) (channelID uint64, ok bool)

// Reporter adapts Client into a logfanout.ErrorReporter, resolving each
// tenant's error channel via lookup before posting.
type Reporter struct {
	client *Client
	lookup ErrorChannelLookup
}

// NewReporter builds a Reporter posting through client, resolving each
// tenant's target channel via lookup.
func NewReporter(client *Client, lookup ErrorChannelLookup) *Reporter {
	return &Reporter{client: client, lookup: lookup}
}

func (r *Reporter) ReportError(ctx context.Context, tenant domain.TenantID, entry logging.DispatchLog) error {
	channelID, ok := r.lookup(tenant)
	if !ok || channelID == 0 {
		return nil
	}
	_, err := r.client.CreateMessage(ctx, tenant, channelID, map[string]any{
		"content": fmt.Sprintf("[%s] %s (%s:%d:%d)", entry.Severity, entry.Message, entry.File, entry.Line, entry.Column),
	})
	return err
}
