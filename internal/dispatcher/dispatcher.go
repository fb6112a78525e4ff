// Package dispatcher executes tasks across a fleet of hosts and collates the
// per-host outcomes into uniform envelopes. It fans out over a bounded worker
// pool, isolates every host failure (a host result is data, never an error
// return) and enforces connection hygiene around every session use.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/inventory"
	"github.com/mam15mon/network/internal/metrics"
	"github.com/mam15mon/network/internal/transport"
)

// DefaultWorkers bounds concurrent device sessions when no limit is
// configured.
const DefaultWorkers = 100

// runningConfigFallbackTimeout applies to running-config captures when
// neither the spec nor the timeout rules name one. Full-configuration dumps
// on large devices routinely outlast ordinary command timeouts.
const runningConfigFallbackTimeout = 180.0

// connectionKindCLI selects the option bundle the SSH CLI transport consumes.
const connectionKindCLI = "cli"

// Executor runs TaskSpecs against inventory hosts. Each Execute call owns a
// private session cache; sessions are never shared across calls, so two
// concurrent calls touching the same host cannot evict each other's live
// session mid-command.
type Executor struct {
	inventory *inventory.Service
	transport transport.Transport
	logger    *zap.Logger
	workers   int
}

// New builds an Executor. workers <= 0 selects DefaultWorkers.
func New(inv *inventory.Service, tp transport.Transport, logger *zap.Logger, workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Executor{
		inventory: inv,
		transport: tp,
		logger:    logger.Named("dispatcher"),
		workers:   workers,
	}
}

// Execute runs the spec against the named hosts and returns one envelope per
// requested host. It returns an error only for input problems: an invalid
// spec, an empty host list, or hosts missing from the inventory. Once the
// fan-out starts, every failure is captured in that host's envelope.
func (e *Executor) Execute(ctx context.Context, hosts []string, spec TaskSpec) (map[string]Envelope, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("dispatcher: no hosts requested")
	}

	snap := e.inventory.Snapshot()
	var missing []string
	for _, name := range hosts {
		if snap.GetHost(name) == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("dispatcher: hosts not found: %s", strings.Join(missing, ", "))
	}

	// The session cache lives and dies with this call.
	cache := transport.NewCache(e.transport)
	defer cache.CloseAll()

	results := make(map[string]Envelope, len(hosts))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)

	for _, name := range hosts {
		host := snap.GetHost(name)
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			env := e.runHostSafe(ctx, cache, host, spec)

			mu.Lock()
			results[host.Name] = env
			mu.Unlock()
		}()
	}
	wg.Wait()

	return EnsureHostResults(results, hosts, e.logger), nil
}

// runHostSafe wraps runHost with panic recovery so one misbehaving transport
// cannot take down the fan-out.
func (e *Executor) runHostSafe(ctx context.Context, cache *transport.Cache, host *inventory.Host, spec TaskSpec) (env Envelope) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked",
				zap.String("host", host.Name),
				zap.String("kind", string(spec.Kind)),
				zap.Any("panic", r))
			env = FailedEnvelope(fmt.Sprintf("task panicked: %v", r))
		}
		metrics.TasksTotal.WithLabelValues(string(spec.Kind), env.Status).Inc()
		metrics.TaskDuration.WithLabelValues(string(spec.Kind)).Observe(time.Since(start).Seconds())
	}()
	return e.runHost(ctx, cache, host, spec)
}

func (e *Executor) runHost(ctx context.Context, cache *transport.Cache, host *inventory.Host, spec TaskSpec) Envelope {
	// A cached session may be stale or half-open from a previous failure;
	// start every task from a fresh connection.
	cache.Evict(host.Name)
	// Always leave nothing cached behind, success or failure.
	defer cache.Evict(host.Name)

	session, err := cache.Acquire(ctx, host.Name, paramsForHost(host))
	if err != nil {
		e.logger.Warn("connect failed", zap.String("host", host.Name), zap.Error(err))
		return FailedEnvelope(err.Error())
	}

	var steps []Step
	switch spec.Kind {
	case KindCommand:
		steps = e.runCommands(ctx, host, session, SplitCommands(spec.Command), spec.TimeoutSeconds)
	case KindConfig:
		steps = e.runConfig(ctx, host, session, spec)
	case KindConnectivity:
		steps = e.runConnectivity(session)
	case KindCapability:
		steps = capabilityTable[spec.Capability](ctx, e, host, session, spec)
	case KindRunningConfig:
		steps = e.runRunningConfig(ctx, host, session, spec)
	default:
		// Validate already rejected unknown kinds.
		steps = []Step{{Name: string(spec.Kind), Failed: true, Exception: fmt.Sprintf("unsupported task kind %q", spec.Kind)}}
	}

	return Collate(steps)
}

// runCommands executes an in-order sequence on one session. A failing
// command does not abort the sequence; the host fails with an aggregate
// exception when any command failed.
func (e *Executor) runCommands(ctx context.Context, host *inventory.Host, session transport.Session, commands []string, override *float64) []Step {
	if len(commands) == 1 {
		reply, err := e.runOne(ctx, host, session, commands[0], override, nil)
		step := Step{Name: commands[0], Result: reply.Output, Changed: reply.Changed, Diff: reply.Diff}
		if err != nil {
			step.Failed = true
			step.Exception = err.Error()
		}
		return []Step{step}
	}

	items := make([]map[string]any, 0, len(commands))
	failed := 0
	for _, command := range commands {
		item := map[string]any{"command": command, "failed": false}
		reply, err := e.runOne(ctx, host, session, command, override, nil)
		if err != nil {
			failed++
			item["failed"] = true
			item["exception"] = err.Error()
		} else {
			item["result"] = reply.Output
		}
		items = append(items, item)
	}

	step := Step{Name: "commands", Result: map[string]any{"commands": items}}
	if failed == 1 {
		step.Failed = true
		step.Exception = "1 command failed"
	} else if failed > 1 {
		step.Failed = true
		step.Exception = fmt.Sprintf("%d commands failed", failed)
	}
	return []Step{step}
}

func (e *Executor) runConfig(ctx context.Context, host *inventory.Host, session transport.Session, spec TaskSpec) []Step {
	lines := trimLines(spec.ConfigLines)
	timeout := spec.TimeoutSeconds
	if timeout == nil {
		timeout = inventory.MaxCommandTimeout(host, lines)
	}

	reply, err := session.PushConfig(ctx, lines, spec.DryRun, timeout)
	step := Step{
		Name:    "config",
		Result:  reply.Output,
		Changed: reply.Changed,
		Diff:    reply.Diff,
	}
	if err != nil {
		step.Failed = true
		step.Exception = err.Error()
	}
	return []Step{step}
}

func (e *Executor) runConnectivity(session transport.Session) []Step {
	if !session.IsAlive() {
		return []Step{{Name: "connectivity", Failed: true, Exception: "session is not alive"}}
	}
	return []Step{{Name: "connectivity", Result: map[string]any{"connected": true}}}
}

func (e *Executor) runRunningConfig(ctx context.Context, host *inventory.Host, session transport.Session, spec TaskSpec) []Step {
	command := spec.CommandOverride
	if command == "" {
		if fromData, ok := host.Data["running_config_command"].(string); ok && fromData != "" {
			command = fromData
		} else {
			command = GuessRunningConfigCommand(host.Platform)
		}
	}

	fallback := runningConfigFallbackTimeout
	reply, err := e.runOne(ctx, host, session, command, spec.TimeoutSeconds, &fallback)
	step := Step{Name: command, Result: reply.Output}
	if err != nil {
		step.Failed = true
		step.Exception = err.Error()
	}
	return []Step{step}
}

// runOne resolves the effective timeout for one command and runs it. The
// explicit override wins over the host's timeout rules; fallback applies
// when neither names one (nil fallback leaves the choice to the transport).
func (e *Executor) runOne(ctx context.Context, host *inventory.Host, session transport.Session, command string, override, fallback *float64) (transport.Reply, error) {
	timeout := override
	if timeout == nil {
		timeout = inventory.ResolveCommandTimeout(host, command)
	}
	if timeout == nil {
		timeout = fallback
	}
	return session.Run(ctx, command, timeout)
}

// paramsForHost projects a resolved host onto transport parameters, applying
// the CLI connection-option bundle on top of the device-level scalars.
func paramsForHost(host *inventory.Host) transport.Params {
	params := transport.Params{
		Host:     host.Hostname,
		Port:     host.Port,
		Username: host.Username,
		Password: host.Password,
		Platform: host.Platform,
	}
	if opts, ok := host.ConnectionOptions[connectionKindCLI]; ok {
		if opts.Hostname != nil && *opts.Hostname != "" {
			params.Host = *opts.Hostname
		}
		if opts.Port != nil && *opts.Port > 0 {
			params.Port = *opts.Port
		}
		if opts.Username != nil && *opts.Username != "" {
			params.Username = *opts.Username
		}
		if opts.Password != nil && *opts.Password != "" {
			params.Password = *opts.Password
		}
		if opts.Platform != nil && *opts.Platform != "" {
			params.Platform = *opts.Platform
		}
		params.Extras = opts.Extras
	}
	return params
}
