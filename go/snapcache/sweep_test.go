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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addEntry creates an extracted tenant directory with the given age.
func addEntry(t *testing.T, root, tenant string, age time.Duration, now time.Time) string {
	t.Helper()
	dir := filepath.Join(root, databasesDir, tenant)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	mtime := now.Add(-age)
	require.NoError(t, os.Chtimes(dir, mtime, mtime))
	return dir
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newTestSweeper(t *testing.T, root string, clock clockwork.Clock, usage UsageFunc) *Sweeper {
	t.Helper()
	s, err := NewSweeper(SweeperConfig{
		Root:      root,
		Clock:     clock,
		DiskUsage: usage,
	})
	require.NoError(t, err)
	return s
}

func lowUsage(string) (float64, error) { return 10, nil }

func TestSweepTTL(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, databasesDir), 0o755))
	clock := clockwork.NewFakeClockAt(time.Now())
	now := clock.Now()

	expired := addEntry(t, root, "old", 25*time.Hour, now)
	fresh := addEntry(t, root, "new", time.Hour, now)

	s := newTestSweeper(t, root, clock, lowUsage)
	require.NoError(t, s.Sweep())

	assert.False(t, exists(expired), "entry past TTL must be evicted")
	assert.True(t, exists(fresh), "entry within TTL must survive")
}

func TestSweepPressure(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, databasesDir), 0o755))
	clock := clockwork.NewFakeClockAt(time.Now())
	now := clock.Now()

	oldest := addEntry(t, root, "t1", 3*time.Hour, now)
	middle := addEntry(t, root, "t2", 2*time.Hour, now)
	newest := addEntry(t, root, "t3", time.Hour, now)

	// Usage drops as entries are removed: two deletions get it under the
	// 90% limit.
	readings := []float64{95, 92, 88}
	usage := func(string) (float64, error) {
		v := readings[0]
		if len(readings) > 1 {
			readings = readings[1:]
		}
		return v, nil
	}

	s := newTestSweeper(t, root, clock, usage)
	require.NoError(t, s.Sweep())

	assert.False(t, exists(oldest), "oldest entry evicted first")
	assert.False(t, exists(middle), "second-oldest evicted next")
	assert.True(t, exists(newest), "sweep stops once usage is under the limit")
}

func TestSweepNoPressureBelowLimit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, databasesDir), 0o755))
	clock := clockwork.NewFakeClockAt(time.Now())

	fresh := addEntry(t, root, "t1", time.Hour, clock.Now())

	s := newTestSweeper(t, root, clock, lowUsage)
	require.NoError(t, s.Sweep())

	assert.True(t, exists(fresh))
}

func TestSweepRateLimit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, databasesDir), 0o755))
	clock := clockwork.NewFakeClockAt(time.Now())

	s := newTestSweeper(t, root, clock, lowUsage)
	require.NoError(t, s.Sweep())

	// An entry that becomes eligible right after a sweep stays until the
	// marker interval elapses.
	expired := addEntry(t, root, "old", 25*time.Hour, clock.Now())
	require.NoError(t, s.Sweep())
	assert.True(t, exists(expired), "sweep within the interval is a no-op")

	clock.Advance(2 * time.Hour)
	require.NoError(t, s.Sweep())
	assert.False(t, exists(expired))
}
