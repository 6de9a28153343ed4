package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CachePruner evicts old artifacts from the local cache once they exceed
// the retention window. S3 retains everything — the pruner only touches
// local disk, and verifies the object exists in the backup before deleting.
type CachePruner struct {
	dir       string
	retention time.Duration
	backup    AudioStore
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewCachePruner creates a pruner evicting local artifacts older than
// retention.
func NewCachePruner(dir string, retention time.Duration, backup AudioStore, log zerolog.Logger) *CachePruner {
	return &CachePruner{
		dir:       dir,
		retention: retention,
		backup:    backup,
		interval:  time.Hour,
		log:       log.With().Str("component", "cache-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *CachePruner) Start() { go p.loop() }

func (p *CachePruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *CachePruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

func (p *CachePruner) prune() {
	cutoff := time.Now().Add(-p.retention)
	var pruned, skipped int

	filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		rel, err := filepath.Rel(p.dir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		inBackup := p.backup.Exists(ctx, key)
		cancel()
		if !inBackup {
			skipped++
			p.log.Warn().Str("key", key).Msg("skipping prune: artifact not in backup")
			return nil
		}
		if err := os.Remove(path); err == nil {
			pruned++
		}
		return nil
	})

	p.removeEmptyDirs()

	if pruned > 0 || skipped > 0 {
		p.log.Info().Int("pruned", pruned).Int("skipped_not_in_backup", skipped).Msg("cache prune complete")
	}
}

func (p *CachePruner) removeEmptyDirs() {
	entries, _ := os.ReadDir(p.dir)
	for _, ownerDir := range entries {
		if !ownerDir.IsDir() {
			continue
		}
		ownerPath := filepath.Join(p.dir, ownerDir.Name())
		remaining, _ := os.ReadDir(ownerPath)
		if len(remaining) == 0 {
			os.Remove(ownerPath)
		}
	}
}
