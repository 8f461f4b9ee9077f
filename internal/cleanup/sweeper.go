// Package cleanup removes audio spool files left behind by crashed or
// abandoned sessions. A healthy session deletes its own spool after the
// archive upload; anything still in the temp dir after the max age is junk.
package cleanup

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweeper periodically deletes stale session spools from the temp dir.
type Sweeper struct {
	tempDir  string
	interval time.Duration
	maxAge   time.Duration
	stopChan chan struct{}
}

func NewSweeper(tempDir string, interval, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		tempDir:  tempDir,
		interval: interval,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
	}
}

// Start runs an initial sweep and then sweeps on the configured interval.
func (s *Sweeper) Start() {
	s.sweep()

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	log.Printf("Spool sweeper started (interval: %s, max age: %s)", s.interval, s.maxAge)
}

// Stop stops the sweeper.
func (s *Sweeper) Stop() {
	close(s.stopChan)
}

func (s *Sweeper) sweep() {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		log.Printf("Spool sweep failed to read %s: %v", s.tempDir, err)
		return
	}

	cutoff := time.Now().Add(-s.maxAge)
	var removed int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pcm.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.tempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Printf("Failed to delete stale spool %s: %v", path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("Spool sweep removed %d stale files", removed)
	}
}

// EnsureTempDir creates the spool directory if it doesn't exist.
func EnsureTempDir(tempDir string) error {
	return os.MkdirAll(tempDir, 0755)
}
