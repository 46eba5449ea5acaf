// Package etl implements the continuous ETL engine.
//
// A Process tails the change feed of one collection on a dedicated worker
// goroutine. Every iteration reads the process checkpoint, extracts the
// documents and tombstones written after it, transforms them until the
// batch governor says stop, loads the batch into the sink and, only after a
// successful load, commits the new checkpoint. Delivery is at-least-once: a
// crash between load and commit re-delivers the batch on restart.
//
// A Host owns the processes of one node and fans store notifications out to
// them.
package etl

import (
	"context"
	"errors"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/alert"
	"github.com/ajitpratap0/nebula-etl/pkg/changefeed"
	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/logger"
	"github.com/ajitpratap0/nebula-etl/pkg/metrics"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/observability"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
	"github.com/ajitpratap0/nebula-etl/pkg/transform"
)

// State is the lifecycle state of a Process
type State int32

const (
	// StateIdle means no worker goroutine is running
	StateIdle State = iota
	// StateRunning means the worker is looping
	StateRunning
	// StateStopping means cancellation was requested and the worker is exiting
	StateStopping
	// StateDisposed is terminal
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// BatchCompletedFunc is called after every iteration that committed a new
// checkpoint. The worker waits for it to return unless the process is
// stopped in the meantime.
type BatchCompletedFunc func(name string, stats StatisticsSnapshot)

// workerKey marks contexts handed out by a worker
type workerKey struct{}

// Options wires a Process to its collaborators. Config, Source,
// Checkpoints, Transforms and Sink are required.
type Options struct {
	Config      config.ProcessConfig
	Source      changefeed.Source
	Checkpoints checkpoint.Store
	Transforms  transform.Factory
	Sink        sink.Sink

	Alerts          alert.Sink
	Logger          *zap.Logger
	Clock           Clock
	Sampler         AllocationSampler
	AvailableMemory AvailableMemoryFunc
	Tracer          *observability.ProcessTracer
}

// Process runs one ETL task
type Process struct {
	cfg         config.ProcessConfig
	source      changefeed.Source
	checkpoints checkpoint.Store
	transforms  transform.Factory
	sink        sink.Sink
	alerts      alert.Sink
	clock       Clock
	baseLogger  *zap.Logger
	logger      *zap.Logger
	tracer      *observability.ProcessTracer

	statistics *Statistics
	metrics    *metrics.ProcessMetrics
	history    performanceHistory
	budget     MemoryBudget
	governor   *Governor
	fallback   sink.FallbackPolicy

	mu        sync.Mutex
	state     State
	disposing bool
	cancel    context.CancelFunc
	done      chan struct{}
	wake      chan struct{}
	callback  atomic.Pointer[BatchCompletedFunc]

	// worker-owned
	batch               BatchRun
	iteration           uint64
	fallbackDelay       time.Duration
	consecutiveFailures int
}

// New creates a stopped process
func New(opts Options) (*Process, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid process configuration")
	}
	if opts.Source == nil || opts.Checkpoints == nil || opts.Transforms == nil || opts.Sink == nil {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "source, checkpoints, transforms and sink are required").
			WithDetail("process", cfg.Name)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	base := log.With(zap.String("component", "etl"))
	log = base.With(zap.String("tag", cfg.Tag), zap.String("process", cfg.Name))

	p := &Process{
		cfg:         cfg,
		source:      opts.Source,
		checkpoints: opts.Checkpoints,
		transforms:  opts.Transforms,
		sink:        opts.Sink,
		alerts:      opts.Alerts,
		clock:       opts.Clock,
		baseLogger:  base,
		logger:      log,
		tracer:      opts.Tracer,
		statistics:  newStatistics(cfg.Tag, cfg.Name),
		metrics:     metrics.ForProcess(cfg.Tag, cfg.Name),
		budget: MemoryBudget{
			Ceiling: config.MemoryBytes(cfg.Memory.InitialMB),
			Max:     config.MemoryBytes(cfg.Memory.MaxMB),
		},
		fallback: sink.PolicyFor(opts.Sink, cfg.Fallback),
		wake:     make(chan struct{}, 1),
	}

	if p.alerts == nil {
		p.alerts = alert.NewLogSink(log)
	}
	if p.clock == nil {
		p.clock = systemClock{}
	}
	if p.tracer == nil {
		p.tracer = observability.NewProcessTracer(cfg.Tag, cfg.Name)
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = NewRuntimeSampler()
	}
	available := opts.AvailableMemory
	if available == nil {
		available = HostAvailableMemory
	}

	p.governor = &Governor{
		maxItems:  cfg.MaxItemsPerBatch,
		timeout:   cfg.BatchTimeout,
		clock:     p.clock,
		budget:    &p.budget,
		sampler:   sampler,
		available: available,
		logger:    log,
		metrics:   p.metrics,
	}
	p.governor.publish()

	return p, nil
}

// Name returns the process name
func (p *Process) Name() string { return p.cfg.Name }

// Tag returns the process tag
func (p *Process) Tag() string { return p.cfg.Tag }

// Config returns the process configuration
func (p *Process) Config() config.ProcessConfig { return p.cfg }

// State returns the lifecycle state
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Statistics returns a snapshot of the process statistics
func (p *Process) Statistics() StatisticsSnapshot {
	return p.statistics.Snapshot()
}

// Metrics returns recent performance figures
func (p *Process) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Recent:         p.history.recent(),
		ItemsPerSecond: p.metrics.Rate(),
		LoadLatencyP50: p.metrics.LoadLatency(50),
		LoadLatencyP99: p.metrics.LoadLatency(99),
		MemoryCeiling:  p.governor.ceiling.Load(),
	}
}

// SetBatchCompletedCallback registers fn; nil clears it
func (p *Process) SetBatchCompletedCallback(fn BatchCompletedFunc) {
	if fn == nil {
		p.callback.Store(nil)
		return
	}
	p.callback.Store(&fn)
}

// Start launches the worker. It is a no-op when the process is disabled,
// disposed or already has a worker.
func (p *Process) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Disabled || p.disposing || p.state != StateIdle {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = StateRunning

	go p.run(ctx, p.done)

	p.logger.Info("started ETL process")
}

// Stop requests cancellation and waits for the worker to exit. Transforms,
// sinks and alert sinks run on the worker and must use StopContext instead.
func (p *Process) Stop() {
	if done := p.requestStop(); done != nil {
		<-done
	}
}

// StopContext stops the process from code holding a context. With a context
// handed out by this process's worker it only requests cancellation, since
// the worker cannot wait for itself; otherwise it behaves like Stop.
func (p *Process) StopContext(ctx context.Context) {
	if w, _ := ctx.Value(workerKey{}).(*Process); w == p {
		p.requestStop()
		return
	}
	p.Stop()
}

// requestStop cancels the worker and returns its done channel, or nil when
// no worker is running
func (p *Process) requestStop() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning && p.state != StateStopping {
		return nil
	}
	if p.state == StateRunning {
		p.state = StateStopping
		p.cancel()
		p.logger.Info("stopping ETL process")
	}
	return p.done
}

// NotifyAboutWork wakes the worker. Notifications that arrive while a wake
// is already pending coalesce into one.
func (p *Process) NotifyAboutWork() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Dispose stops the worker and releases the sink and alert channel. Every
// failure is collected into the returned error. Disposing twice is a no-op.
func (p *Process) Dispose() error {
	p.mu.Lock()
	if p.disposing {
		p.mu.Unlock()
		return nil
	}
	p.disposing = true
	p.mu.Unlock()

	p.Stop()

	p.mu.Lock()
	p.state = StateDisposed
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if cerr := p.sink.Close(ctx); cerr != nil {
		err = multierr.Append(err, nebulaerrors.Wrap(cerr, nebulaerrors.ErrorTypeLoad, "failed to close sink").
			WithDetail("sink", p.sink.Name()))
	}
	if closer, ok := p.alerts.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil {
			err = multierr.Append(err, nebulaerrors.Wrap(cerr, nebulaerrors.ErrorTypeInternal, "failed to close alert sink"))
		}
	}
	p.metrics.Delete()

	p.logger.Info("disposed ETL process", zap.Error(err))
	return err
}

func (p *Process) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.exited()

	ctx = context.WithValue(ctx, workerKey{}, p)
	pprof.Do(ctx, pprof.Labels("tag", p.cfg.Tag, "process", p.cfg.Name), p.loop)
}

func (p *Process) exited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateDisposed {
		p.state = StateIdle
	}
	p.logger.Info("ETL process exited")
}

func (p *Process) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.clearWake()
		p.batch.reset(p.clock.Now())

		if p.fallbackDelay > 0 {
			p.logger.Info("waiting before next attempt", zap.Duration("fallback", p.fallbackDelay))
			if !sleep(ctx, p.fallbackDelay) {
				return
			}
			p.fallbackDelay = 0
			p.metrics.FallbackArmed(0)
		}

		progressed, err := p.iterate(ctx)
		if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}

		// more data is probably waiting behind a batch the governor cut short
		if progressed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}

func (p *Process) clearWake() {
	select {
	case <-p.wake:
	default:
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// iterate runs one extract-transform-load cycle and commits the checkpoint
// when the loaded sequence moved forward. A panic in a transform or sink
// fails the iteration with an internal error.
func (p *Process) iterate(ctx context.Context) (progressed bool, err error) {
	p.iteration++
	ctx = logger.WithLogger(ctx, p.baseLogger)
	ctx = logger.WithProcess(ctx, p.cfg.Tag, p.cfg.Name)
	ctx = logger.WithBatch(ctx, p.iteration)
	log := logger.WithContext(ctx)

	ctx, span := p.tracer.StartIteration(ctx, p.iteration)
	defer func() {
		span.SetAttribute("etl.extracted", p.batch.Extracted)
		span.SetAttribute("etl.transformed", p.batch.Transformed)
		span.SetAttribute("etl.last_loaded", p.batch.LastLoadedSequence)
		span.SetAttribute("etl.progress", progressed)
		span.End(err)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in ETL iteration", zap.Any("panic", r), zap.Stack("stack"))
			progressed = false
			err = nebulaerrors.Newf(nebulaerrors.ErrorTypeInternal, "panic: %v", r)
		}
		if err != nil && !(ctx.Err() != nil && errors.Is(err, context.Canceled)) {
			log.Error("ETL iteration failed", zap.Error(err))
		}
	}()

	p.governor.sampler.Reset()

	lastProcessed, loaded, err := p.extractTransformLoad(ctx)
	if err != nil || !loaded || p.batch.LastLoadedSequence <= lastProcessed {
		return false, err
	}

	if err := p.commit(ctx, p.batch.LastLoadedSequence); err != nil {
		return false, err
	}
	p.statistics.setLastProcessed(p.batch.LastLoadedSequence)
	p.metrics.Checkpointed(p.batch.LastLoadedSequence)
	p.batch.Duration = p.clock.Since(p.batch.StartTime)

	if ctx.Err() == nil {
		p.batchCompleted(ctx)
	}
	return true, nil
}

// extractTransformLoad runs the batch inside a read transaction on the
// checkpoint store. It reports the checkpoint it started from and whether
// the batch was loaded. The transaction is closed before returning, also
// when a plug-in panics.
func (p *Process) extractTransformLoad(ctx context.Context) (lastProcessed uint64, loaded bool, err error) {
	rtx, err := p.checkpoints.BeginRead(ctx)
	if err != nil {
		return 0, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to open read transaction")
	}
	defer func() {
		if cerr := rtx.Close(ctx); cerr != nil && err == nil {
			err = nebulaerrors.Wrap(cerr, nebulaerrors.ErrorTypeCheckpoint, "failed to close read transaction")
		}
	}()

	status, _, err := rtx.Get(ctx, p.cfg.Name)
	if err != nil {
		return 0, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to read checkpoint")
	}
	lastProcessed = status.LastProcessedSequence
	p.statistics.setLastProcessed(lastProcessed)

	items, ok, err := p.extractAndTransform(ctx, lastProcessed+1)
	if err != nil || !ok {
		return lastProcessed, false, err
	}
	return lastProcessed, p.load(ctx, items), nil
}

func (p *Process) commit(ctx context.Context, seq uint64) error {
	wtx, err := p.checkpoints.BeginWrite(ctx)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to open write transaction")
	}
	defer func() { _ = wtx.Rollback(ctx) }()

	status := checkpoint.ProcessStatus{Name: p.cfg.Name, LastProcessedSequence: seq, UpdatedAt: p.clock.Now().UTC()}
	if err := wtx.Put(ctx, status); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to write checkpoint")
	}
	if err := wtx.Commit(ctx); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to commit checkpoint")
	}

	logger.WithContext(ctx).Debug("committed checkpoint", zap.Uint64("sequence", seq))
	return nil
}

// batchCompleted records the batch and hands the statistics to the
// callback. The callback runs on its own goroutine so a Stop issued from it,
// or from anywhere else while it blocks, can still join the worker.
func (p *Process) batchCompleted(ctx context.Context) {
	p.metrics.BatchCompleted(p.batch.Extracted, p.batch.Duration)
	p.history.add(BatchPerformance{
		Iteration:          p.iteration,
		StartTime:          p.batch.StartTime,
		Duration:           p.batch.Duration,
		Extracted:          p.batch.Extracted,
		Transformed:        p.batch.Transformed,
		LastLoadedSequence: p.batch.LastLoadedSequence,
		StopReason:         p.batch.StopReason,
	})

	fn := p.callback.Load()
	if fn == nil {
		return
	}

	stats := p.statistics.Snapshot()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(ctx).Error("panic in batch completed callback", zap.Any("panic", r))
			}
		}()
		(*fn)(p.cfg.Name, stats)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
