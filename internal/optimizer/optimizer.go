// Package optimizer runs the background storage maintenance phases: garbage
// collection, compression, lifecycle and tiering, quota enforcement,
// reference defragmentation and index repair.
package optimizer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/pool"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

type Phase string

const (
	PhaseCleanup   Phase = "cleanup"
	PhaseCompress  Phase = "compress"
	PhaseLifecycle Phase = "lifecycle"
	PhaseQuotas    Phase = "quotas"
	PhaseDefrag    Phase = "defrag"
	PhaseIndexes   Phase = "indexes"
)

// Phases lists every phase in the order a full pass runs them.
var Phases = []Phase{PhaseCleanup, PhaseCompress, PhaseLifecycle, PhaseQuotas, PhaseDefrag, PhaseIndexes}

// ParsePhase validates a phase name.
func ParsePhase(name string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown optimizer phase %q; valid: %v", name, Phases)
}

// PhaseReport describes one phase run. Per-item failures are collected in
// Errors and do not stop the phase.
type PhaseReport struct {
	Phase           Phase    `json:"phase"`
	Success         bool     `json:"success"`
	Skipped         bool     `json:"skipped,omitempty"`
	Processed       int      `json:"processed"`
	SavedSpaceBytes int64    `json:"savedSpaceBytes"`
	Errors          []string `json:"errors,omitempty"`
	DurationMs      int64    `json:"durationMs"`
}

func (r *PhaseReport) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// OptimizationReport is the result of a full pass.
type OptimizationReport struct {
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      time.Time     `json:"finishedAt"`
	Success         bool          `json:"success"`
	TotalSavedBytes int64         `json:"totalSavedBytes"`
	Phases          []PhaseReport `json:"phases"`
}

// Stats is the optimizer's view of storage, refreshed by the index phase.
type Stats struct {
	Storage     *registrystore.Stats  `json:"storage,omitempty"`
	RefreshedAt time.Time             `json:"refreshedAt"`
	LastPhases  map[Phase]PhaseReport `json:"lastPhases"`
	LastRun     *OptimizationReport   `json:"lastRun,omitempty"`
}

type Option func(*Optimizer)

func WithClock(c clock.Clock) Option {
	return func(o *Optimizer) { o.clock = c }
}

// WithHolder sets the lease holder name. Defaults to hostname plus a random suffix.
func WithHolder(holder string) Option {
	return func(o *Optimizer) { o.holder = holder }
}

type Optimizer struct {
	pool    *pool.Pool
	store   registrystore.ContentStore
	blobs   registryblob.Tiers
	cfg     config.OptimizerConfig
	clock   clock.Clock
	holder  string
	limiter *rate.Limiter
	group   singleflight.Group

	mu    sync.Mutex
	stats Stats
}

func New(p *pool.Pool, cfg config.OptimizerConfig, opts ...Option) *Optimizer {
	def := config.DefaultConfig().Optimizer
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		cfg.DecayFactor = def.DecayFactor
	}
	o := &Optimizer{
		pool:  p,
		store: p.Store(),
		blobs: p.Blobs(),
		cfg:   cfg,
		clock: clock.Real{},
		stats: Stats{LastPhases: map[Phase]PhaseReport{}},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.holder == "" {
		host, _ := os.Hostname()
		o.holder = host + "-" + uuid.NewString()[:8]
	}
	limit := rate.Inf
	if cfg.ItemsPerSecond > 0 {
		limit = rate.Limit(cfg.ItemsPerSecond)
	}
	o.limiter = rate.NewLimiter(limit, cfg.BatchSize)
	return o
}

// Config returns the effective configuration.
func (o *Optimizer) Config() config.OptimizerConfig { return o.cfg }

// Stats returns a snapshot of the last refreshed storage stats and phase reports.
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.LastPhases = make(map[Phase]PhaseReport, len(o.stats.LastPhases))
	for k, v := range o.stats.LastPhases {
		s.LastPhases[k] = v
	}
	return s
}

func (o *Optimizer) now() time.Time { return o.clock.Now().UTC() }

// wait throttles per-item work. It fails once ctx is done, which is how
// phases stop between items.
func (o *Optimizer) wait(ctx context.Context) error {
	return o.limiter.Wait(ctx)
}

func (o *Optimizer) CleanupUnusedContent(ctx context.Context) PhaseReport {
	return o.RunPhase(ctx, PhaseCleanup)
}

func (o *Optimizer) CompressLargeFiles(ctx context.Context) PhaseReport {
	return o.RunPhase(ctx, PhaseCompress)
}

func (o *Optimizer) ApplyLifecyclePolicy(ctx context.Context) PhaseReport {
	return o.RunPhase(ctx, PhaseLifecycle)
}

func (o *Optimizer) ManageUserQuotas(ctx context.Context) PhaseReport {
	return o.RunPhase(ctx, PhaseQuotas)
}

func (o *Optimizer) DefragmentStorage(ctx context.Context) PhaseReport {
	return o.RunPhase(ctx, PhaseDefrag)
}

func (o *Optimizer) OptimizeIndexes(ctx context.Context) PhaseReport {
	return o.RunPhase(ctx, PhaseIndexes)
}

func (o *Optimizer) phaseFunc(phase Phase) func(context.Context, *PhaseReport) error {
	switch phase {
	case PhaseCleanup:
		return o.cleanup
	case PhaseCompress:
		return o.compress
	case PhaseLifecycle:
		return o.lifecycle
	case PhaseQuotas:
		return o.quotas
	case PhaseDefrag:
		return o.defrag
	case PhaseIndexes:
		return o.indexes
	}
	return nil
}

// RunPhase runs one phase. Concurrent callers in this process share a single
// run, and a job lease keeps other processes from running it at the same time.
func (o *Optimizer) RunPhase(ctx context.Context, phase Phase) PhaseReport {
	fn := o.phaseFunc(phase)
	if fn == nil {
		return PhaseReport{Phase: phase, Errors: []string{fmt.Sprintf("unknown phase %q", phase)}}
	}
	v, _, shared := o.group.Do(string(phase), func() (interface{}, error) {
		return o.runLeased(ctx, phase, fn), nil
	})
	if shared {
		log.Debug("Optimizer: joined in-flight phase", "phase", phase)
	}
	return v.(PhaseReport)
}

func (o *Optimizer) runLeased(ctx context.Context, phase Phase, fn func(context.Context, *PhaseReport) error) PhaseReport {
	start := time.Now()
	rep := PhaseReport{Phase: phase}
	lease := "optimizer:" + string(phase)

	ok, err := o.store.AcquireLease(ctx, lease, o.holder, o.cfg.LeaseTTL, o.now())
	if err != nil {
		rep.addError("acquire lease: %v", err)
		rep.DurationMs = time.Since(start).Milliseconds()
		log.Error("Optimizer: lease failed", "phase", phase, "err", err)
		return rep
	}
	if !ok {
		log.Info("Optimizer: phase running elsewhere, skipping", "phase", phase)
		rep.Success, rep.Skipped = true, true
		return rep
	}
	defer func() {
		if err := o.store.ReleaseLease(context.WithoutCancel(ctx), lease, o.holder); err != nil {
			log.Warn("Optimizer: failed to release lease", "phase", phase, "err", err)
		}
	}()

	log.Info("Optimizer: phase started", "phase", phase)
	err = fn(ctx, &rep)
	if err != nil {
		rep.addError("%v", err)
	}
	rep.Success = err == nil
	d := time.Since(start)
	rep.DurationMs = d.Milliseconds()
	metrics.OptimizerPhase(string(phase), d, rep.SavedSpaceBytes, len(rep.Errors))

	o.mu.Lock()
	o.stats.LastPhases[phase] = rep
	o.mu.Unlock()

	log.Info("Optimizer: phase completed",
		"phase", phase,
		"success", rep.Success,
		"processed", rep.Processed,
		"saved", humanize.IBytes(uint64(max(rep.SavedSpaceBytes, 0))),
		"errors", len(rep.Errors),
		"duration", d)
	return rep
}

// RunFullOptimization runs every phase in order. A failed phase does not
// stop the next one; a cancelled context does.
func (o *Optimizer) RunFullOptimization(ctx context.Context) OptimizationReport {
	report := OptimizationReport{StartedAt: o.now(), Success: true}
	for _, phase := range Phases {
		var rep PhaseReport
		if err := ctx.Err(); err != nil {
			rep = PhaseReport{Phase: phase, Errors: []string{err.Error()}}
		} else {
			rep = o.RunPhase(ctx, phase)
		}
		report.Phases = append(report.Phases, rep)
		report.TotalSavedBytes += rep.SavedSpaceBytes
		if !rep.Success {
			report.Success = false
		}
	}
	report.FinishedAt = o.now()

	o.mu.Lock()
	o.stats.LastRun = &report
	o.mu.Unlock()

	log.Info("Optimizer: full pass completed", "success", report.Success, "saved", humanize.IBytes(uint64(max(report.TotalSavedBytes, 0))))
	return report
}
