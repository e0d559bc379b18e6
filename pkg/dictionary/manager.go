package dictionary

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"domainlens/pkg/domainindex"
	"domainlens/pkg/logging"
	"domainlens/pkg/telemetry"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay absorbs the burst of events editors emit for one save.
const debounceDelay = 100 * time.Millisecond

// Options configures a Manager.
type Options struct {
	Source             Source
	RetainReverseIndex bool

	// Watch rebuilds the index when a file source changes on disk.
	Watch bool

	// UpdateInterval re-downloads a URL source periodically; 0 disables.
	UpdateInterval time.Duration
}

// Manager loads the dictionary, builds the index and keeps the Holder current.
type Manager struct {
	opts    Options
	loader  *Loader
	holder  *Holder
	logger  *logging.Logger
	metrics *telemetry.Metrics

	// Serializes rebuilds so a slow download cannot overwrite a newer index.
	reloadMu sync.Mutex

	// Lifecycle management
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewManager creates a manager publishing into holder.
func NewManager(opts Options, loader *Loader, holder *Holder, logger *logging.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		opts:    opts,
		loader:  loader,
		holder:  holder,
		logger:  logger,
		metrics: metrics,
	}
}

// Holder returns the holder the manager publishes into.
func (m *Manager) Holder() *Holder {
	return m.holder
}

// Start performs the initial load and then keeps the index fresh in the
// background. A failed initial load is returned and nothing is started.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("Dictionary manager already started")
		return nil
	}
	m.stopCh = make(chan struct{})

	m.logger.Info("Starting dictionary manager",
		"source", m.opts.Source.String(),
		"format", m.opts.Source.Format,
		"watch", m.opts.Watch,
		"interval", m.opts.UpdateInterval)

	if err := m.Reload(ctx); err != nil {
		m.started.Store(false)
		return fmt.Errorf("initial dictionary load failed: %w", err)
	}

	if m.opts.Watch && m.opts.Source.Path != "" {
		watcher, err := m.newWatcher()
		if err != nil {
			m.Stop()
			return err
		}
		m.wg.Add(1)
		go m.watchLoop(ctx, watcher)
	}

	if m.opts.UpdateInterval > 0 && m.opts.Source.URL != "" {
		m.wg.Add(1)
		go m.updateLoop(ctx)
	}

	return nil
}

// Stop terminates background reloads and waits for them to exit.
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	m.logger.Info("Stopping dictionary manager")
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("Dictionary manager stopped")
}

// Reload loads the source, builds a new index and swaps it in. On failure the
// current index stays in place.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	names, err := m.loader.Load(ctx, m.opts.Source)
	if err != nil {
		m.metrics.RecordReload(ctx, err)
		return err
	}

	startTime := time.Now()
	idx := domainindex.Build(names, domainindex.WithReverseIndex(m.opts.RetainReverseIndex))
	snap := &Snapshot{
		Index:     idx,
		Source:    m.opts.Source.String(),
		LoadedAt:  time.Now(),
		BuildTime: time.Since(startTime),
	}

	old := m.holder.Set(snap)
	oldSize := 0
	if old != nil && old.Index != nil {
		oldSize = old.Index.Len()
	}
	newSize := idx.Len()
	m.metrics.RecordIndexSwap(ctx, oldSize, newSize)
	m.metrics.RecordReload(ctx, nil)

	m.logger.Info("Domain index rebuilt",
		"source", snap.Source,
		"entries", len(names),
		"domains", newSize,
		"delta", newSize-oldSize,
		"slots", idx.Slots(),
		"size_bytes", idx.SizeBytes(),
		"build_time", snap.BuildTime)
	return nil
}

// newWatcher watches the directory holding the source file, so that editors
// and tools that replace the file by rename are still seen.
func (m *Manager) newWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(m.opts.Source.Path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch dictionary directory: %w", err)
	}
	return watcher, nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.wg.Done()
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(m.opts.Source.Path)
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Dictionary watcher error", "error", err)

		case <-debounceTimer.C:
			if err := m.Reload(ctx); err != nil {
				m.logger.Error("Failed to reload dictionary", "error", err)
			}
		}
	}
}

func (m *Manager) updateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Reload(ctx); err != nil {
				m.logger.Error("Failed to refresh dictionary", "error", err)
			}
		}
	}
}
