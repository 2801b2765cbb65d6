package undo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/undocore/internal/infra/shutdown"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/telemetry/metric"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
	"github.com/yndnr/undocore/internal/undo/shmem"
)

// Subsystem is a log-like component whose state goes into the checkpoint.
type Subsystem interface {
	// Name identifies the subsystem in logs and errors.
	Name() string
	// ShmemSize returns the bytes this subsystem needs in the shared region.
	ShmemSize() int
	// ShmemInit carves the subsystem's state out of the region.
	ShmemInit(region *shmem.Region) error
	// CheckPoint writes the subsystem's state.
	CheckPoint(ctx *checkpoint.Context) error
	// Startup reads back exactly what CheckPoint wrote.
	Startup(ctx *checkpoint.Context) error
	// AtProcExit releases process resources.
	AtProcExit()
}

// ExitHooks registers process-exit hooks.
type ExitHooks interface {
	OnShutdown(name string, hook shutdown.Hook)
}

// RegionName is the name of the shared region created by ShmemInit.
const RegionName = "undo data"

// Manager runs the checkpoint lifecycle over an ordered subsystem list.
type Manager struct {
	store      *checkpoint.Store
	subsystems []Subsystem
	logger     *slog.Logger
	metrics    *metric.Registry

	mu          sync.Mutex
	region      *shmem.Region
	initialized int
	exited      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r *metric.Registry) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager creates a manager. The order of subsystems is the checkpoint
// file layout.
func NewManager(store *checkpoint.Store, subsystems []Subsystem, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		subsystems: append([]Subsystem(nil), subsystems...),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Names returns the subsystem names in registration order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.subsystems))
	for i, s := range m.subsystems {
		names[i] = s.Name()
	}
	return names
}

// Region returns the shared region, or nil before ShmemInit.
func (m *Manager) Region() *shmem.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.region
}

// ShmemSize returns the sum of the subsystems' requirements, each rounded
// up to the region alignment.
func (m *Manager) ShmemSize() int {
	total := 0
	for _, s := range m.subsystems {
		total += shmem.Align(s.ShmemSize())
	}
	return total
}

// ShmemInit registers the exit hook, creates the shared region and
// initializes each subsystem in order. Subsystems initialized before a
// failure still get AtProcExit.
func (m *Manager) ShmemInit(hooks ExitHooks) error {
	if hooks != nil {
		hooks.OnShutdown("undo", m.AtProcExit)
	}

	region := shmem.NewRegion(RegionName, m.ShmemSize())

	m.mu.Lock()
	m.region = region
	m.mu.Unlock()

	for _, s := range m.subsystems {
		if err := s.ShmemInit(region); err != nil {
			return fmt.Errorf("undo: init %s: %w", s.Name(), err)
		}
		m.mu.Lock()
		m.initialized++
		m.mu.Unlock()
	}

	m.logger.Debug("undo shared memory initialized", "size", region.Size(), "used", region.Used())
	return nil
}

// Startup restores every subsystem from the checkpoint whose redo position
// is redo. It does nothing when bootstrapping a new cluster.
func (m *Manager) Startup(redo wal.LSN, bootstrap bool) (err error) {
	if bootstrap {
		m.logger.Info("bootstrap mode, no undo checkpoint to read")
		return nil
	}
	defer func() { m.metrics.ObserveStartup(err) }()

	ctx, err := m.store.Open(redo)
	if err != nil {
		return err
	}

	for _, s := range m.subsystems {
		if err := s.Startup(ctx); err != nil {
			ctx.Abort()
			return fmt.Errorf("undo: restore %s from %s: %w", s.Name(), ctx.Path(), err)
		}
	}

	if err := ctx.FinishRead(); err != nil {
		return err
	}

	m.logger.Info("undo state restored", "redo", redo.String(), "file", ctx.Path(), "bytes", ctx.Bytes())
	return nil
}

// CheckPoint writes every subsystem's state to the checkpoint file for
// redo, makes it durable, then removes files older than prior.
func (m *Manager) CheckPoint(redo, prior wal.LSN) (err error) {
	start := time.Now()
	var size int64
	defer func() { m.metrics.ObserveCheckpoint(time.Since(start), size, err) }()

	ctx, err := m.store.Create(redo)
	if err != nil {
		return err
	}

	for _, s := range m.subsystems {
		if err := s.CheckPoint(ctx); err != nil {
			ctx.Abort()
			return fmt.Errorf("undo: checkpoint %s to %s: %w", s.Name(), ctx.Path(), err)
		}
	}

	if err := ctx.FinishWrite(); err != nil {
		return err
	}
	size = ctx.Bytes() + checkpoint.ChecksumSize

	removed, err := m.store.CleanUp(prior)
	if err != nil {
		return err
	}

	m.logger.Info("undo checkpoint complete",
		"redo", redo.String(),
		"bytes", size,
		"removed", len(removed),
		"duration", time.Since(start))
	return nil
}

// AtProcExit runs the subsystems' exit routines, last initialized first.
// It runs once.
func (m *Manager) AtProcExit(context.Context) error {
	m.mu.Lock()
	if m.exited {
		m.mu.Unlock()
		return nil
	}
	m.exited = true
	n := m.initialized
	m.mu.Unlock()

	for i := n - 1; i >= 0; i-- {
		m.subsystems[i].AtProcExit()
	}
	return nil
}
