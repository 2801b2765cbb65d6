package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/yndnr/undocore/internal/infra/shutdown"
	"github.com/yndnr/undocore/internal/storage/backup"
	"github.com/yndnr/undocore/internal/storage/control"
	"github.com/yndnr/undocore/internal/storage/pagestore"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/telemetry/metric"
	"github.com/yndnr/undocore/internal/undo"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
	"github.com/yndnr/undocore/internal/undo/critical"
	"github.com/yndnr/undocore/internal/undo/recordset"
	"github.com/yndnr/undocore/internal/undo/rmgr"
	"github.com/yndnr/undocore/internal/undo/textundo"
	"github.com/yndnr/undocore/internal/undo/undolog"
	"github.com/yndnr/undocore/internal/undo/xactundo"
	"github.com/yndnr/undocore/pkg/crypto/adaptive"
)

// XLOGCheckpoint is the info byte of the RmgrXLOG record written after
// each checkpoint. Its data is the checkpoint's redo LSN.
const XLOGCheckpoint uint8 = 1

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("storage: engine closed")

// CheckpointResult describes a completed checkpoint.
type CheckpointResult struct {
	Redo    wal.LSN
	Prior   wal.LSN
	End     wal.LSN
	Skipped bool
}

// Engine wires the WAL, the undo page store and the undo subsystems
// together and runs checkpoints.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Registry
	cipher  *adaptive.Cipher

	wal         *wal.Writer
	pages       *pagestore.Store
	control     *control.File
	backup      *backup.Coordinator
	checkpoints *checkpoint.Store

	alloc   *undolog.Allocator
	sets    *recordset.Manager
	xacts   *xactundo.Tracker
	undo    *undo.Manager
	rmgrs   *rmgr.Table
	text    *textundo.Appender
	onExit  *shutdown.Handler
	limiter *rate.Limiter

	// mu serializes recovery, checkpoints and Close.
	mu        sync.Mutex
	recovered bool
	closed    bool
	redo      wal.LSN
	prior     wal.LSN
	ckptEnd   wal.LSN
	ckptBytes uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens the storage files and initializes undo shared memory. It does
// not recover; call Recover before using the engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	cipher, err := Cipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	cfg.WAL.Cipher = cipher

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		cipher:  cipher,
		control: control.New(cfg.DataDir, control.WithLogger(cfg.Logger)),
		backup:  backup.New(cfg.DataDir, backup.WithLogger(cfg.Logger), backup.WithMetrics(cfg.Metrics)),
		rmgrs:   rmgr.NewTable(rmgr.WithLogger(cfg.Logger), rmgr.WithMetrics(cfg.Metrics)),
		onExit:  shutdown.NewHandler(cfg.ExitTimeout).WithLogger(cfg.Logger),
		limiter: rate.NewLimiter(rate.Every(cfg.MinCheckpointGap), 1),
	}
	e.checkpoints = checkpoint.NewStore(CheckpointDir(cfg.DataDir),
		checkpoint.WithBackupStatus(e.backup),
		checkpoint.WithLogger(cfg.Logger),
		checkpoint.WithMetrics(cfg.Metrics))

	e.wal, err = wal.NewWriter(cfg.WAL)
	if err != nil {
		return nil, fmt.Errorf("storage: create wal writer: %w", err)
	}
	e.pages, err = pagestore.Open(cfg.Pages, e.wal,
		pagestore.WithLogger(cfg.Logger), pagestore.WithMetrics(cfg.Metrics))
	if err != nil {
		e.wal.Close()
		return nil, fmt.Errorf("storage: open page store: %w", err)
	}

	e.alloc = undolog.New(cfg.Undo, cfg.Logger)
	e.sets = recordset.NewManager(e.alloc, e.pages, cfg.Logger)
	e.xacts = xactundo.New(cfg.Logger, xactundo.WithWAL(e.wal))
	e.undo = undo.NewManager(e.checkpoints,
		[]undo.Subsystem{e.alloc, e.sets, e.xacts},
		undo.WithLogger(cfg.Logger), undo.WithMetrics(cfg.Metrics))
	e.text = textundo.New(e.sets, e.wal, textundo.WithLogger(cfg.Logger), textundo.WithTracker(e.xacts))

	if err := e.rmgrs.Register(wal.RmgrText, "text", e.text.Redo); err != nil {
		e.closeStores()
		return nil, err
	}
	if err := e.rmgrs.Register(wal.RmgrXact, "xact", e.xacts.Redo); err != nil {
		e.closeStores()
		return nil, err
	}
	if err := e.undo.ShmemInit(e.onExit); err != nil {
		_ = e.onExit.Run()
		e.closeStores()
		return nil, err
	}
	return e, nil
}

// Recover restores undo state from the checkpoint named by the control
// file and replays the WAL from its redo position. Without a control file
// the whole WAL is replayed onto empty state. The background checkpoint
// loop starts afterwards when configured.
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.recovered {
		return nil
	}

	start := time.Now()
	d, found, err := e.control.Read()
	if err != nil {
		return err
	}
	if found {
		e.redo, e.prior = d.CheckpointRedo, d.PriorRedo
		switch d.State {
		case control.StateShutDown:
		case control.StateInRecovery:
			e.logger.Warn("an earlier recovery did not complete", "redo", d.CheckpointRedo.String())
		default:
			e.logger.Warn("data directory was not shut down cleanly", "state", string(d.State))
		}
		d.State = control.StateInRecovery
		if err := e.control.Write(d); err != nil {
			return err
		}
	} else {
		e.logger.Info("no control file, bootstrapping", "data_dir", e.cfg.DataDir)
	}

	if err := e.undo.Startup(e.redo, !found); err != nil {
		return fmt.Errorf("storage: undo startup: %w", err)
	}

	reader, err := wal.NewReader(e.cfg.WAL.Dir, e.cipher)
	if err != nil {
		return fmt.Errorf("storage: open wal reader: %w", err)
	}
	defer reader.Close()

	res, err := e.rmgrs.Replay(ctx, reader, e.redo)
	if err != nil {
		return fmt.Errorf("storage: replay: %w", err)
	}
	if found {
		d.State = control.StateInProduction
		if err := e.control.Write(d); err != nil {
			return err
		}
	}
	e.ckptBytes = e.wal.InsertedBytes()
	e.recovered = true

	e.logger.Info("recovery completed",
		"redo", e.redo.String(),
		"records", res.Records,
		"end", res.End.String(),
		"elapsed", time.Since(start))

	if e.cfg.CheckpointInterval > 0 {
		e.stopCh = make(chan struct{})
		e.doneCh = make(chan struct{})
		go e.backgroundLoop()
	}
	return nil
}

// Checkpoint writes a new undo checkpoint. The redo position is the WAL
// insert position at the start. The WAL and the dirty pages are flushed
// first, then the undo subsystems are saved and a checkpoint record is
// logged, so the next checkpoint always gets a later redo position. The
// control file is updated last and WAL wholly before the prior checkpoint
// is removed.
func (e *Engine) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked(ctx, control.StateInProduction)
}

func (e *Engine) checkpointLocked(ctx context.Context, state control.State) (CheckpointResult, error) {
	if e.closed {
		return CheckpointResult{}, ErrClosed
	}
	if !e.recovered {
		return CheckpointResult{}, fmt.Errorf("storage: checkpoint before recovery")
	}
	if err := ctx.Err(); err != nil {
		return CheckpointResult{}, err
	}

	redo := e.wal.InsertPosition()
	if redo == e.ckptEnd && state == control.StateInProduction {
		return CheckpointResult{Redo: e.redo, Prior: e.prior, End: e.ckptEnd, Skipped: true}, nil
	}

	if err := e.wal.FlushTo(redo); err != nil {
		return CheckpointResult{}, fmt.Errorf("storage: flush wal: %w", err)
	}
	if err := e.pages.FlushAll(); err != nil {
		return CheckpointResult{}, fmt.Errorf("storage: flush pages: %w", err)
	}

	prior := e.redo
	if err := e.undo.CheckPoint(redo, prior); err != nil {
		return CheckpointResult{}, err
	}

	end := e.logCheckpoint(redo)
	if err := e.wal.FlushTo(end); err != nil {
		return CheckpointResult{}, fmt.Errorf("storage: flush checkpoint record: %w", err)
	}

	if err := e.control.Write(control.Data{CheckpointRedo: redo, PriorRedo: prior, State: state}); err != nil {
		return CheckpointResult{}, err
	}
	e.redo, e.prior, e.ckptEnd = redo, prior, end
	e.ckptBytes = e.wal.InsertedBytes()

	e.compactWAL(prior)

	return CheckpointResult{Redo: redo, Prior: prior, End: end}, nil
}

// compactWAL removes WAL segments wholly before prior. A running backup
// pins the WAL from its start redo, since the checkpoint files it keeps
// are useless without it.
func (e *Engine) compactWAL(prior wal.LSN) {
	cut := prior
	label, running, err := e.backup.Current()
	switch {
	case err != nil:
		e.logger.Warn("unreadable backup label, skipping wal compaction", "error", err)
		return
	case running && label.StartRedo < cut:
		cut = label.StartRedo
	}

	removed, err := wal.NewCompactor(e.cfg.WAL.Dir, wal.WithLogger(e.logger)).Compact(cut)
	if err != nil {
		e.logger.Warn("wal compaction failed", "error", err)
	} else if len(removed) > 0 {
		e.logger.Debug("wal segments removed", "count", len(removed), "before", cut.String())
	}
}

func (e *Engine) logCheckpoint(redo wal.LSN) wal.LSN {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(redo))

	sec := critical.Enter()
	defer sec.End()
	ins := e.wal.BeginInsert(sec)
	ins.RegisterData(data)
	return ins.Finish(wal.RmgrXLOG, XLOGCheckpoint)
}

// walSinceCheckpoint returns the WAL bytes inserted since the last
// checkpoint.
func (e *Engine) walSinceCheckpoint() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wal.InsertedBytes() - e.ckptBytes
}

// backgroundLoop runs periodic checkpoints, plus earlier ones when enough
// WAL has been written.
func (e *Engine) backgroundLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()

	poll := e.cfg.CheckpointInterval / 10
	if poll < time.Second {
		poll = time.Second
	}
	volume := time.NewTicker(poll)
	defer volume.Stop()

	run := func(reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CheckpointInterval)
		defer cancel()
		res, err := e.Checkpoint(ctx)
		switch {
		case err != nil:
			e.logger.Error("auto checkpoint failed", "reason", reason, "error", err)
		case !res.Skipped:
			e.logger.Debug("auto checkpoint", "reason", reason, "redo", res.Redo.String())
		}
	}

	for {
		select {
		case <-ticker.C:
			run("interval")
		case <-volume.C:
			if e.cfg.CheckpointWALBytes > 0 &&
				e.walSinceCheckpoint() >= e.cfg.CheckpointWALBytes && e.limiter.Allow() {
				run("wal volume")
			}
		case <-e.stopCh:
			return
		}
	}
}

// StartBackup begins a base backup. Checkpoint files are kept until
// StopBackup.
func (e *Engine) StartBackup(name string) (backup.Label, error) {
	e.mu.Lock()
	redo := e.redo
	e.mu.Unlock()
	return e.backup.Start(name, redo)
}

// StopBackup ends the running backup.
func (e *Engine) StopBackup() (backup.Label, error) {
	return e.backup.Stop()
}

// Text returns the text appender.
func (e *Engine) Text() *textundo.Appender { return e.text }

// Transactions returns the transaction undo tracker.
func (e *Engine) Transactions() *xactundo.Tracker { return e.xacts }

// RecordSets returns the record set manager.
func (e *Engine) RecordSets() *recordset.Manager { return e.sets }

// Checkpoints returns the checkpoint directory.
func (e *Engine) Checkpoints() *checkpoint.Store { return e.checkpoints }

// Redo returns the redo position of the latest checkpoint.
func (e *Engine) Redo() wal.LSN {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.redo
}

// Stats samples the engine for the metrics collector.
func (e *Engine) Stats() metric.Stats {
	pinned, dirty := e.pages.Stats()
	s := metric.Stats{
		WALInsertLSN:   uint64(e.wal.InsertPosition()),
		WALFlushedLSN:  uint64(e.wal.FlushedLSN()),
		CheckpointRedo: uint64(e.Redo()),
		PinnedPages:    pinned,
		DirtyPages:     dirty,
		OpenRecordSets: e.sets.OpenCount(),
	}
	if r := e.undo.Region(); r != nil {
		s.ShmemUsed, s.ShmemSize = r.Used(), r.Size()
	}
	return s
}

// Collectors returns the engine's scrape-time collectors.
func (e *Engine) Collectors() []prometheus.Collector {
	return []prometheus.Collector{metric.NewCollector(e.Stats), e.pages.Collector()}
}

// Close stops the background loop, takes a shutdown checkpoint, runs the
// undo exit routines and closes the stores.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	e.logger.Info("shutting down storage engine")
	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.recovered {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ExitTimeout)
		if _, err := e.checkpointLocked(ctx, control.StateShutDown); err != nil {
			errs = append(errs, fmt.Errorf("shutdown checkpoint: %w", err))
		}
		cancel()
	}
	e.closed = true

	if err := e.onExit.Run(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, e.closeStores())

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("storage engine shutdown", "error", err)
		return err
	}
	e.logger.Info("storage engine shutdown complete")
	return nil
}

func (e *Engine) closeStores() error {
	var errs []error
	if err := e.pages.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close page store: %w", err))
	}
	if err := e.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	}
	return errors.Join(errs...)
}
