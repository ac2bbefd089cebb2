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
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage returns the used percentage of the filesystem holding path,
// computed from statfs the same way df does (available blocks are those
// usable by unprivileged processes).
func DiskUsage(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := stat.Blocks
	if total == 0 {
		return 0, fmt.Errorf("statfs %s: zero block count", path)
	}
	used := total - stat.Bavail
	return float64(used) / float64(total) * 100, nil
}
