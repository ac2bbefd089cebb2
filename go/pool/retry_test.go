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

package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectPolicyAttempt(t *testing.T) {
	policy := ConnectPolicy{Interval: 50 * time.Millisecond, Deadline: time.Second}

	tests := []struct {
		name    string
		elapsed time.Duration
		wait    time.Duration
		retry   bool
	}{
		{"immediately", 0, 50 * time.Millisecond, true},
		{"mid-window", 500 * time.Millisecond, 50 * time.Millisecond, true},
		{"just before deadline", time.Second - time.Millisecond, 50 * time.Millisecond, true},
		{"at deadline", time.Second, 0, false},
		{"past deadline", 2 * time.Second, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wait, retry := policy.Attempt(tt.elapsed)
			assert.Equal(t, tt.wait, wait)
			assert.Equal(t, tt.retry, retry)
		})
	}
}
