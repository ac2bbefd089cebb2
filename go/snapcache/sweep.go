// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package snapcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// markerFile records the last sweep time under the cache root. It
	// rate-limits sweeps independently of how often Sweep is invoked.
	markerFile = "last_sweep"

	defaultTTL           = 24 * time.Hour
	defaultSweepInterval = time.Hour
	defaultUsageLimit    = 90.0
)

// UsageFunc reports the used percentage of the filesystem holding path.
// Injected in tests so pressure-sweep behavior can be driven without a real
// full disk.
type UsageFunc func(path string) (float64, error)

// Sweeper bounds the cache's disk footprint. One shared implementation is
// used by both deployment modes (gateway-adjacent and instance-local),
// parameterized only by cache root.
type Sweeper struct {
	root   string
	logger *slog.Logger
	clock  clockwork.Clock

	ttl        time.Duration
	interval   time.Duration
	usageLimit float64
	diskUsage  UsageFunc
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Root is the cache root (the directory holding databases/).
	Root string

	// TTL is the age beyond which a cached directory is deleted
	// unconditionally. Defaults to 24h.
	TTL time.Duration

	// Interval is the minimum time between sweeps. Defaults to 1h.
	Interval time.Duration

	// UsageLimit is the disk usage percentage at or above which the
	// pressure sweep runs. Defaults to 90.
	UsageLimit float64

	// DiskUsage overrides the statfs-based usage probe, for tests.
	DiskUsage UsageFunc

	// Clock is overridden in tests.
	Clock clockwork.Clock

	Logger *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(config SweeperConfig) (*Sweeper, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ttl := config.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	interval := config.Interval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	usageLimit := config.UsageLimit
	if usageLimit == 0 {
		usageLimit = defaultUsageLimit
	}
	diskUsage := config.DiskUsage
	if diskUsage == nil {
		diskUsage = DiskUsage
	}
	return &Sweeper{
		root:       config.Root,
		logger:     logger,
		clock:      clock,
		ttl:        ttl,
		interval:   interval,
		usageLimit: usageLimit,
		diskUsage:  diskUsage,
	}, nil
}

// Run invokes Sweep on the configured interval until ctx is cancelled. The
// run marker still applies, so restarts do not defeat the rate limit.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("cache sweeper started", "ttl", s.ttl, "interval", s.interval, "usage_limit", s.usageLimit)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cache sweeper stopped")
			return
		case <-ticker.Chan():
			if err := s.Sweep(); err != nil {
				s.logger.Error("cache sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs the two-phase eviction if the rate-limit marker allows it:
//
//  1. TTL phase: delete every cached directory older than the TTL.
//  2. Pressure phase: while disk usage is at or above the limit, delete the
//     oldest remaining directory, re-checking usage after each deletion.
//
// mtime stands in for recency; the cache is read-mostly once warm, so no
// per-access bookkeeping is kept.
func (s *Sweeper) Sweep() error {
	due, err := s.markerDue()
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	if err := s.touchMarker(); err != nil {
		return err
	}

	entries, err := s.cachedEntries()
	if err != nil {
		return err
	}

	// Phase 1: TTL.
	cutoff := s.clock.Now().Add(-s.ttl)
	remaining := entries[:0]
	for _, entry := range entries {
		if entry.modTime.Before(cutoff) {
			s.logger.Info("evicting expired cache entry", "path", entry.path, "age", s.clock.Since(entry.modTime))
			if err := os.RemoveAll(entry.path); err != nil {
				s.logger.Error("failed to evict cache entry", "path", entry.path, "error", err)
				remaining = append(remaining, entry)
			}
			continue
		}
		remaining = append(remaining, entry)
	}

	// Phase 2: pressure, oldest first, stopping as soon as usage drops
	// below the limit.
	for _, entry := range remaining {
		usage, err := s.diskUsage(s.root)
		if err != nil {
			return fmt.Errorf("checking disk usage: %w", err)
		}
		if usage < s.usageLimit {
			break
		}
		s.logger.Info("evicting cache entry under disk pressure", "path", entry.path, "usage_percent", usage)
		if err := os.RemoveAll(entry.path); err != nil {
			s.logger.Error("failed to evict cache entry", "path", entry.path, "error", err)
		}
	}
	return nil
}

// cacheEntry is one extracted tenant directory with its freshness signal.
type cacheEntry struct {
	path    string
	modTime time.Time
}

// cachedEntries lists extracted directories sorted oldest-mtime first.
func (s *Sweeper) cachedEntries() ([]cacheEntry, error) {
	dir := filepath.Join(s.root, databasesDir)
	dirents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing cache directory: %w", err)
	}

	entries := make([]cacheEntry, 0, len(dirents))
	for _, dirent := range dirents {
		if !dirent.IsDir() {
			continue
		}
		info, err := dirent.Info()
		if err != nil {
			continue
		}
		entries = append(entries, cacheEntry{
			path:    filepath.Join(dir, dirent.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})
	return entries, nil
}

// markerDue reports whether enough time has passed since the last sweep.
func (s *Sweeper) markerDue() (bool, error) {
	info, err := os.Stat(s.markerPath())
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking sweep marker: %w", err)
	}
	return s.clock.Since(info.ModTime()) >= s.interval, nil
}

func (s *Sweeper) touchMarker() error {
	path := s.markerPath()
	now := s.clock.Now()
	if err := os.WriteFile(path, []byte(now.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing sweep marker: %w", err)
	}
	// Keep the mtime aligned with the injected clock so tests can advance
	// time without rewriting the file.
	return os.Chtimes(path, now, now)
}

func (s *Sweeper) markerPath() string {
	return filepath.Join(s.root, markerFile)
}
