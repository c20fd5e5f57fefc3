// Package watchdog implements the Runaway Watchdog: a goroutine
// that periodically proves the Cooperative Thread Scheduler is still
// making progress, and forcibly terminates whichever isolate the
// scheduler was stuck inside if a ping goes unanswered.
//
// Grounded on other_examples' roadrunner-plugins-js-machine plugin.go
// execute() watchdog goroutine — a timeout context racing the script
// execution, firing vm.Interrupt on expiry. Generalized here from "one
// watchdog goroutine per call" to "one watchdog per scheduler", and from
// otto's Interrupt channel to v8go's Isolate.TerminateExecution, since a
// single thread now serves many scripts instead of one VM per call.
package watchdog

import (
	"context"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/metrics"
)

// DefaultPingInterval is how often the watchdog proves the scheduler is
// still making progress when no override is configured.
const DefaultPingInterval = 10 * time.Second

// Pinger is the subset of *vmscheduler.Scheduler the watchdog depends on.
type Pinger interface {
	Ping(ctx context.Context) (time.Time, error)
	CurrentRunning() (domain.TenantID, bool)
}

// IsolateLookup terminates the isolates registered for a tenant ID on the
// watchdog's behalf. Implemented by the Tenant Manager (internal/tenantmgr).
type IsolateLookup interface {
	TerminateTenant(id domain.TenantID, reason domain.ShutdownReason)
}

// Config configures one Watchdog.
type Config struct {
	PingInterval time.Duration // defaults to DefaultPingInterval
	PingTimeout  time.Duration // defaults to PingInterval

	// AttributionGuard, when true, reads CurrentRunning a second time, 5ms
	// after the first read that follows the timed-out ping, and terminates
	// only if both reads name the same tenant, narrowing — but not eliminating — the window in which
	// a runaway script other than CurrentRunning is misattributed the
	// shutdown. Off by default, favoring simplicity over precise
	// attribution.
	AttributionGuard bool
}

// Watchdog owns the liveness-check loop over one Scheduler.
type Watchdog struct {
	cfg     Config
	pinger  Pinger
	lookup  IsolateLookup
}

// New constructs a Watchdog. Call Run in its own goroutine.
func New(cfg Config, pinger Pinger, lookup IsolateLookup) *Watchdog {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = cfg.PingInterval
	}
	return &Watchdog{cfg: cfg, pinger: pinger, lookup: lookup}
}

// Run loops until ctx is canceled, pinging the scheduler every
// PingInterval and shutting down a runaway isolate whenever a ping times
// out. The remainder of each interval (interval minus however long the
// ping itself took) is what's actually slept, so pings stay roughly on
// cadence even under load.
func (w *Watchdog) Run(ctx context.Context) {
	log := logging.Op()
	for {
		start := time.Now()

		pingCtx, cancel := context.WithTimeout(ctx, w.cfg.PingTimeout)
		_, err := w.pinger.Ping(pingCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.shutdownRunaway(log)
		}

		elapsed := time.Since(start)
		remainder := w.cfg.PingInterval - elapsed
		if remainder < 0 {
			remainder = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(remainder):
		}
	}
}

// shutdownRunaway terminates whichever isolate the scheduler reports as
// CurrentRunning. This is a best-effort heuristic, not a guarantee: if the
// scheduler moved on to a different isolate in the gap between the ping
// timing out and this read, the wrong script is blamed — accepted in
// exchange for not needing a per-isolate heartbeat. AttributionGuard
// narrows, but does not close, that window.
func (w *Watchdog) shutdownRunaway(log interface{ Warn(string, ...any) }) {
	id, ok := w.pinger.CurrentRunning()
	if !ok {
		log.Warn("watchdog: scheduler ping timed out but no isolate was current; skipping shutdown")
		return
	}
	if w.cfg.AttributionGuard {
		time.Sleep(5 * time.Millisecond)
		again, stillOk := w.pinger.CurrentRunning()
		if !stillOk || again != id {
			log.Warn("watchdog: attribution guard vetoed shutdown, current_running changed", "first", id, "second", again)
			return
		}
	}
	log.Warn("watchdog: terminating runaway isolate", "tenant", id)
	metrics.Default().WatchdogKills.WithLabelValues(domain.ShutdownRunawayScript.String()).Inc()
	w.lookup.TerminateTenant(id, domain.ShutdownRunawayScript)
}
