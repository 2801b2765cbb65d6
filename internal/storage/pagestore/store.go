package pagestore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/telemetry/metric"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("pagestore: closed")

// WALFlusher makes the WAL durable up to an LSN.
type WALFlusher interface {
	FlushTo(lsn wal.LSN) error
}

// Store is the undo page store.
type Store struct {
	cfg     Config
	db      *badger.DB
	cache   *ristretto.Cache[uint64, cachedPage]
	wal     WALFlusher
	logger  *slog.Logger
	metrics *metric.Registry

	mu      sync.Mutex
	buffers map[PageID]*Buffer
	gens    map[PageID]uint64
	closed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r *metric.Registry) Option {
	return func(s *Store) { s.metrics = r }
}

// Open opens the page store. flusher may be nil when pages are never
// modified under WAL, as in offline tools.
func Open(cfg Config, flusher WALFlusher, opts ...Option) (*Store, error) {
	applyDefaults(&cfg)

	s := &Store{
		cfg:     cfg,
		wal:     flusher,
		logger:  slog.Default(),
		buffers: make(map[PageID]*Buffer),
		gens:    make(map[PageID]uint64),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openBadger(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.db = db

	counters := 10 * (cfg.CacheSize / imageSize)
	if counters < 1000 {
		counters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, cachedPage]{
		NumCounters: counters,
		MaxCost:     cfg.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pagestore: create cache: %w", err)
	}
	s.cache = cache

	if cfg.InMemory {
		close(s.doneCh)
	} else {
		go s.gcLoop()
	}

	s.logger.Info("page store opened",
		"dir", cfg.Dir,
		"in_memory", cfg.InMemory,
		"cache_size", cfg.CacheSize)
	return s, nil
}

// Pin returns the buffer for id with its pin count raised. A page that
// was never written reads as zeros with LSN 0.
func (s *Store) Pin(id PageID) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if b, ok := s.buffers[id]; ok {
		b.pins++
		return b, nil
	}

	b := &Buffer{id: id, data: make([]byte, PageSize)}
	if cp, ok := s.cache.Get(id.cacheKey()); ok && cp.gen == s.gens[id] {
		if err := decodeImage(cp.img, b); err != nil {
			return nil, err
		}
		s.metrics.IncPageCache(true)
	} else {
		if err := s.load(b); err != nil {
			return nil, err
		}
		s.metrics.IncPageCache(false)
	}

	b.pins = 1
	s.buffers[id] = b
	return b, nil
}

func (s *Store) load(b *Buffer) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.id.key())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pagestore: read page %s: %w", b.id, err)
		}
		return item.Value(func(img []byte) error {
			return decodeImage(img, b)
		})
	})
}

// Unpin drops a pin taken by Pin. The buffer must not be used afterwards.
func (s *Store) Unpin(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.pins <= 0 {
		panic(fmt.Sprintf("pagestore: unpin of unpinned page %s", b.id))
	}
	b.pins--
	if b.pins == 0 && !b.Dirty() {
		s.evictLocked(b)
	}
}

// evictLocked moves an unpinned clean buffer to the cache.
func (s *Store) evictLocked(b *Buffer) {
	delete(s.buffers, b.id)
	s.cache.Set(b.id.cacheKey(), cachedPage{
		gen: s.gens[b.id],
		img: encodeImage(b.LSN(), b.data),
	}, imageSize)
}

type pendingPage struct {
	b       *Buffer
	img     []byte
	version uint64
}

// FlushAll writes every dirty page. The WAL is flushed through the highest
// page LSN before any page is written.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var dirty []*Buffer
	for _, b := range s.buffers {
		if b.Dirty() {
			dirty = append(dirty, b)
		}
	}
	s.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	pending := make([]pendingPage, 0, len(dirty))
	var maxLSN wal.LSN
	for _, b := range dirty {
		b.Lock()
		if !b.Dirty() {
			b.Unlock()
			continue
		}
		lsn := b.LSN()
		pending = append(pending, pendingPage{
			b:       b,
			img:     encodeImage(lsn, b.data),
			version: b.version.Load(),
		})
		b.Unlock()
		if lsn > maxLSN {
			maxLSN = lsn
		}
	}

	if maxLSN != wal.InvalidLSN && s.wal != nil {
		if err := s.wal.FlushTo(maxLSN); err != nil {
			return fmt.Errorf("pagestore: flush wal to %s: %w", maxLSN, err)
		}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, p := range pending {
		if err := wb.Set(p.b.id.key(), p.img); err != nil {
			return fmt.Errorf("pagestore: write page %s: %w", p.b.id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("pagestore: write pages: %w", err)
	}
	if !s.cfg.InMemory {
		if err := s.db.Sync(); err != nil {
			return fmt.Errorf("pagestore: sync: %w", err)
		}
	}

	for _, p := range pending {
		p.b.Lock()
		if p.b.version.Load() == p.version {
			p.b.dirty.Store(false)
		}
		p.b.Unlock()
	}

	s.mu.Lock()
	for _, p := range pending {
		s.gens[p.b.id]++
		if p.b.pins == 0 && !p.b.Dirty() {
			s.evictLocked(p.b)
		}
	}
	s.mu.Unlock()

	s.metrics.AddPageFlushes(len(pending))
	s.logger.Debug("pages flushed", "count", len(pending), "wal_flushed_to", maxLSN.String())
	return nil
}

// Stats returns the number of buffers held with pins and with unwritten
// changes.
func (s *Store) Stats() (pinned, dirty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buffers {
		if b.pins > 0 {
			pinned++
		}
		if b.Dirty() {
			dirty++
		}
	}
	return pinned, dirty
}

// GC runs Badger value-log garbage collection.
func (s *Store) GC() error {
	if s.cfg.InMemory {
		return nil
	}
	return s.gc()
}

// Close stops background work and closes Badger. Dirty pages are dropped;
// the WAL still describes them.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dirty := 0
	for _, b := range s.buffers {
		if b.Dirty() {
			dirty++
		}
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	if dirty > 0 {
		s.logger.Warn("closing page store with unwritten pages", "dirty", dirty)
	}
	s.cache.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("pagestore: close badger: %w", err)
	}
	s.logger.Info("page store closed")
	return nil
}
