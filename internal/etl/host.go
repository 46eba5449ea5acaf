package etl

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/changefeed"
	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	"github.com/ajitpratap0/nebula-etl/pkg/logger"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

// Host owns the ETL processes of a node
type Host struct {
	checkpoints checkpoint.Store
	logger      *zap.Logger

	mu        sync.RWMutex
	processes map[string]*Process
	started   bool
	onBatch   BatchCompletedFunc
}

// NewHost creates an empty host. checkpoints is used to clean up after renames.
func NewHost(checkpoints checkpoint.Store, log *zap.Logger) *Host {
	if log == nil {
		log = logger.Get()
	}
	return &Host{
		checkpoints: checkpoints,
		logger:      log.With(zap.String("component", "etl-host")),
		processes:   make(map[string]*Process),
	}
}

// Add registers p. A started host starts p right away.
func (h *Host) Add(p *Process) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.processes[p.Name()]; exists {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "process already registered").
			WithDetail("process", p.Name())
	}
	h.processes[p.Name()] = p
	p.SetBatchCompletedCallback(h.batchCompleted)

	if h.started {
		p.Start()
	}
	return nil
}

// Process returns the named process
func (h *Host) Process(name string) (*Process, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.processes[name]
	return p, ok
}

// Processes returns all processes ordered by name
func (h *Host) Processes() []*Process {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Process, 0, len(h.processes))
	for _, p := range h.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start starts every registered process and any added later
func (h *Host) Start() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	processes := h.Processes()
	for _, p := range processes {
		p.Start()
	}
	h.logger.Info("started ETL host", zap.Int("processes", len(processes)))
}

// NotifyAboutWork wakes every process
func (h *Host) NotifyAboutWork() {
	for _, p := range h.Processes() {
		p.NotifyAboutWork()
	}
}

// NotifyCollection wakes the processes tailing collection. An empty name
// wakes every process.
func (h *Host) NotifyCollection(collection string) {
	for _, p := range h.Processes() {
		if collection == "" || p.Config().Collection == collection {
			p.NotifyAboutWork()
		}
	}
}

// Watch forwards notifier events to the processes until ctx is done
func (h *Host) Watch(ctx context.Context, notifier changefeed.Notifier) error {
	return notifier.Watch(ctx, h.NotifyCollection)
}

// OnBatchCompleted registers fn, called after every batch that committed a
// checkpoint. It runs on the process worker and must not block for long.
func (h *Host) OnBatchCompleted(fn BatchCompletedFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onBatch = fn
}

func (h *Host) batchCompleted(name string, stats StatisticsSnapshot) {
	h.mu.RLock()
	fn := h.onBatch
	h.mu.RUnlock()
	if fn != nil {
		fn(name, stats)
	}
}

// Remove disposes the named process and unregisters it. Its checkpoint is
// kept so that re-adding a process with the same name resumes from it.
func (h *Host) Remove(name string) error {
	h.mu.Lock()
	p, ok := h.processes[name]
	delete(h.processes, name)
	h.mu.Unlock()

	if !ok {
		return nebulaerrors.New(nebulaerrors.ErrorTypeNotFound, "process not registered").WithDetail("process", name)
	}
	return p.Dispose()
}

// Rename replaces the process registered as oldName with replacement and
// deletes the stale checkpoint of oldName. It relies on a single writer per
// process: nothing else may run oldName concurrently.
func (h *Host) Rename(ctx context.Context, oldName string, replacement *Process) error {
	h.mu.Lock()
	old, ok := h.processes[oldName]
	if ok {
		delete(h.processes, oldName)
	}
	h.mu.Unlock()

	if !ok {
		return nebulaerrors.New(nebulaerrors.ErrorTypeNotFound, "process not registered").WithDetail("process", oldName)
	}

	err := old.Dispose()
	if rerr := checkpoint.Remove(ctx, h.checkpoints, oldName); rerr != nil {
		err = multierr.Append(err, nebulaerrors.Wrap(rerr, nebulaerrors.ErrorTypeCheckpoint, "failed to delete stale checkpoint").
			WithDetail("process", oldName))
	}
	if aerr := h.Add(replacement); aerr != nil {
		err = multierr.Append(err, aerr)
	}

	h.logger.Info("renamed ETL process",
		zap.String("from", oldName),
		zap.String("to", replacement.Name()),
		zap.Error(err))
	return err
}

// Dispose disposes every process, collecting all failures
func (h *Host) Dispose() error {
	h.mu.Lock()
	processes := make([]*Process, 0, len(h.processes))
	for _, p := range h.processes {
		processes = append(processes, p)
	}
	h.processes = make(map[string]*Process)
	h.started = false
	h.mu.Unlock()

	var err error
	for _, p := range processes {
		err = multierr.Append(err, p.Dispose())
	}
	return err
}
