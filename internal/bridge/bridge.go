// Package bridge is the façade callers use: invoke, batch, stream, health,
// capabilities and metrics.
//
// DESIGN: Every collaborator is built once in New and injected; nothing here
// is a package-level singleton, so tests get fresh breaker, window and ledger
// state per Bridge. A request runs through an explicit stage list:
//
//	validate -> admit -> route -> plan -> execute
//
// Stream shares the first four stages and replaces execute with the
// streaming relay. Batch runs every item through the full invoke pipeline.
//
// FILES:
//   - bridge.go:     Bridge, Options, New(), Close()
//   - stages.go:     validate/admit/route/plan stages, request accounting
//   - execute.go:    dispatch with retry, breaker accounting and fallback
//   - operations.go: Invoke, Batch, Stream
//   - introspect.go: Health, Capabilities, Metrics
package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/compresr/ai-bridge/internal/adapters"
	"github.com/compresr/ai-bridge/internal/batch"
	"github.com/compresr/ai-bridge/internal/breaker"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/cost"
	"github.com/compresr/ai-bridge/internal/monitoring"
	"github.com/compresr/ai-bridge/internal/pipeline"
	"github.com/compresr/ai-bridge/internal/policy"
	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/ratelimit"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/store"
	"github.com/compresr/ai-bridge/internal/stream"
	"github.com/compresr/ai-bridge/internal/task"
)

// Version is reported in response metadata and capabilities.
// Set at build time via -ldflags "-X .../internal/bridge.Version=...".
var Version = "0.1.0"

// Options carries the collaborators that depend on the deployment. Every
// field may be left zero.
type Options struct {
	Logger      *monitoring.Logger   // nil: no logging
	AuditSink   monitoring.AuditSink // nil: Logger, unless audit_sink is none
	WindowStore ratelimit.Store      // nil: in-memory window
	Seen        store.Store          // nil: in-memory, store.ttl
	Adapters    *adapters.Registry   // nil: every built-in kind
	Now         func() time.Time     // nil: time.Now
	UseBPE      *bool                // nil: BPE token counting, loaded in the background
}

// Bridge is safe for concurrent use.
type Bridge struct {
	cfg *config.Config
	now func() time.Time

	logger   *monitoring.Logger
	alerts   *monitoring.AlertManager
	reqLog   *monitoring.RequestLogger
	ledger   *monitoring.Ledger
	auditor  *monitoring.Auditor
	seen     store.Store
	ownsSeen bool

	router     *policy.Router
	registry   *registry.Registry
	dispatcher *registry.Dispatcher
	breakers   *breaker.Set
	guard      *ratelimit.Guard
	pool       *pool.Pool
	adapters   *adapters.Registry
	prices     *cost.Table
	estimator  *cost.Estimator
	optimizer  *batch.Optimizer
	relay      *stream.Relay

	invokePipeline *pipeline.Pipeline
	streamPipeline *pipeline.Pipeline
}

// New builds a bridge from validated configuration.
func New(cfg *config.Config, opts Options) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("bridge: config is required")
	}
	reg, err := registry.New(cfg.Registry)
	if err != nil {
		return nil, err
	}

	b := &Bridge{cfg: cfg, now: opts.Now, registry: reg}
	if b.now == nil {
		b.now = time.Now
	}

	b.logger = opts.Logger
	if b.logger == nil {
		b.logger = monitoring.Nop()
	}
	b.logger = b.logger.With("bridge")
	b.alerts = monitoring.NewAlertManager(b.logger, monitoring.AlertConfig{
		HighLatencyThreshold: parseThreshold(cfg.Monitoring.HighLatencyThreshold),
	})
	b.reqLog = monitoring.NewRequestLogger(b.logger)

	b.seen = opts.Seen
	if b.seen == nil {
		b.seen = store.NewMemoryStore(cfg.Store.TTL)
		b.ownsSeen = true
	}
	b.ledger = monitoring.NewLedger(cfg.Monitoring.MetricsNamespace, b.seen)

	sink := opts.AuditSink
	if sink == nil && cfg.Monitoring.AuditSink != config.AuditSinkNone {
		sink = monitoring.NewLogAuditSink(b.logger)
	}
	b.auditor = monitoring.NewAuditor(sink, b.seen)

	b.router = policy.New(cfg.Policy, b.auditDecision)
	b.dispatcher = registry.NewDispatcher(reg, cfg.Dispatch.DefaultMaxTokens)
	b.breakers = breaker.NewSet(cfg.Breaker, opts.Now, b.circuitChanged)

	window := opts.WindowStore
	if window == nil {
		window = ratelimit.NewMemoryStore(cfg.Limits.MaxKeys)
	}
	b.guard = ratelimit.NewGuard(window, cfg.Limits, opts.Now)

	b.pool = pool.New(pool.Config{MaxConnsPerTarget: cfg.Dispatch.MaxConnsPerTarget})
	for _, ep := range reg.Endpoints() {
		if ep.MaxConns > 0 {
			b.pool.SetMaxConns(ep.Name, ep.MaxConns)
		}
		b.ledger.SetCircuitState(ep.Name, int(breaker.Closed))
	}
	if err := b.ledger.WatchPool(b.pool.Stats); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	b.adapters = opts.Adapters
	if b.adapters == nil {
		b.adapters = adapters.NewRegistry()
	}
	for _, ep := range reg.Endpoints() {
		if _, err := b.adapters.For(ep.Kind); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep.Name, err)
		}
	}

	useBPE := true
	if opts.UseBPE != nil {
		useBPE = *opts.UseBPE
	}
	b.prices = cost.NewTable(cfg.Pricing)
	b.estimator = cost.NewEstimator(useBPE)
	b.optimizer = batch.New(cfg.Batch, func(r task.Request) float64 {
		_, c := b.estimate(&r)
		return c.Total
	})
	b.relay = stream.NewRelay(cfg.Stream.BufferSize)

	b.invokePipeline = pipeline.New(b.reqLog,
		pipeline.StageFunc{StageName: "validate", Fn: b.validate},
		pipeline.StageFunc{StageName: "admit", Fn: b.admit},
		pipeline.StageFunc{StageName: "route", Fn: b.route},
		pipeline.StageFunc{StageName: "plan", Fn: b.plan},
		pipeline.StageFunc{StageName: "execute", Fn: b.execute},
	)
	b.streamPipeline = pipeline.New(b.reqLog,
		pipeline.StageFunc{StageName: "validate", Fn: b.validate},
		pipeline.StageFunc{StageName: "admit", Fn: b.admit},
		pipeline.StageFunc{StageName: "route", Fn: b.route},
		pipeline.StageFunc{StageName: "plan", Fn: b.plan},
	)

	b.logger.Info().
		Int("endpoints", len(reg.Endpoints())).
		Strs("stages", b.invokePipeline.Stages()).
		Bool("admission", b.guard.Enabled()).
		Msg("bridge ready")
	return b, nil
}

// Close releases pooled connections and flushes the audit sink.
func (b *Bridge) Close() error {
	b.pool.Close()
	err := b.auditor.Close()
	if b.ownsSeen {
		err = errors.Join(err, b.seen.Close())
	}
	return err
}

func (b *Bridge) circuitChanged(target string, from, to breaker.State) {
	b.alerts.FlagCircuitChange(target, from.String(), to.String())
	b.ledger.SetCircuitState(target, int(to))
}

func parseThreshold(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
