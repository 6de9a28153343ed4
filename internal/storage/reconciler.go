package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Reconciler backfills artifacts missing from the backup store. It watches
// the local artifact directory for new files (fsnotify) and runs a periodic
// full sweep to cover missed events, dropped backup writes and crash
// recovery. Reconciliation is storage durability only — it never touches
// Recording state.
type Reconciler struct {
	dir      string
	backup   AudioStore
	interval time.Duration
	settle   time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a reconciler pushing files under dir into backup.
func NewReconciler(dir string, backup AudioStore, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		dir:      dir,
		backup:   backup,
		interval: 5 * time.Minute,
		settle:   2 * time.Second,
		log:      log.With().Str("component", "reconciler").Logger(),
		stop:     make(chan struct{}),
	}
}

func (r *Reconciler) Start() { go r.loop() }

func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconciler) loop() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn().Err(err).Msg("fsnotify unavailable, falling back to periodic sweep only")
	} else {
		defer watcher.Close()
		r.watchTree(watcher)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errors chan error
	if watcher != nil {
		events = watcher.Events
		errors = watcher.Errors
	}

	for {
		select {
		case ev := <-events:
			r.handleEvent(watcher, ev)
		case err := <-errors:
			r.log.Warn().Err(err).Msg("watch error")
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

// watchTree registers the artifact dir and its per-owner subdirectories.
func (r *Reconciler) watchTree(w *fsnotify.Watcher) {
	if err := w.Add(r.dir); err != nil {
		r.log.Warn().Err(err).Str("dir", r.dir).Msg("watch add failed")
	}
	entries, _ := os.ReadDir(r.dir)
	for _, e := range entries {
		if e.IsDir() {
			_ = w.Add(filepath.Join(r.dir, e.Name()))
		}
	}
}

func (r *Reconciler) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New owner directory: watch it for artifact files.
		_ = w.Add(ev.Name)
		return
	}
	// Let the atomic-rename write settle, then backfill if missing.
	path := ev.Name
	time.AfterFunc(r.settle, func() {
		select {
		case <-r.stop:
			return
		default:
		}
		r.reconcileFile(path)
	})
}

func (r *Reconciler) sweep() {
	var uploaded, failed, checked int
	filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		checked++
		switch r.reconcileFile(path) {
		case reconcileUploaded:
			uploaded++
		case reconcileFailed:
			failed++
		}
		return nil
	})

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("checked", checked).
			Msg("reconcile sweep complete")
	}
}

type reconcileResult int

const (
	reconcileSkipped reconcileResult = iota
	reconcileUploaded
	reconcileFailed
)

func (r *Reconciler) reconcileFile(path string) reconcileResult {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".audio-") && strings.HasSuffix(base, ".tmp") {
		return reconcileSkipped
	}
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return reconcileSkipped
	}
	key := filepath.ToSlash(rel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	exists := r.backup.Exists(ctx, key)
	cancel()
	if exists {
		return reconcileSkipped
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return reconcileSkipped
	}

	ct := contentTypeForExt(filepath.Ext(base))
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.backup.Save(ctx, key, data, ct); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("reconcile upload failed")
		return reconcileFailed
	}
	r.log.Debug().Str("key", key).Msg("backfilled missing backup object")
	return reconcileUploaded
}
