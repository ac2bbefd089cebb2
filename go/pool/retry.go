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
	"context"
	"fmt"
	"net"
	"time"
)

// ConnectPolicy decides whether a connect attempt sequence should continue.
// It is a pure function of elapsed time so it can be tested without sockets.
type ConnectPolicy struct {
	// Interval is the pause between attempts.
	Interval time.Duration

	// Deadline bounds the total time spent retrying.
	Deadline time.Duration
}

// DefaultConnectPolicy matches an instance that typically becomes reachable
// well under a second after the controller reports it started, with headroom
// for slow cold boots.
var DefaultConnectPolicy = ConnectPolicy{
	Interval: 50 * time.Millisecond,
	Deadline: 10 * time.Second,
}

// Attempt reports whether another attempt should be made after the given
// elapsed time, and how long to wait before it.
func (p ConnectPolicy) Attempt(elapsed time.Duration) (wait time.Duration, retry bool) {
	if elapsed >= p.Deadline {
		return 0, false
	}
	return p.Interval, true
}

// ConnectWithRetry dials addr until the listener accepts, the policy gives
// up, or ctx is cancelled. "started" at the controller can precede workload
// readiness by a nontrivial margin, so the first attempts routinely fail
// with connection refused.
func (p *Pool) ConnectWithRetry(ctx context.Context, addr string, policy ConnectPolicy) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: policy.Interval * 10}
	start := p.clock.Now()

	var lastErr error
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		wait, retry := policy.Attempt(p.clock.Since(start))
		if !retry {
			return nil, fmt.Errorf("backend %s not reachable within %v: %w", addr, policy.Deadline, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(wait):
		}
	}
}
