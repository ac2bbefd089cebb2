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

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheFlagsBound(t *testing.T) {
	for _, name := range []string{"cache-root", "cache-ttl", "cache-sweep-interval", "cache-usage-limit"} {
		assert.NotNil(t, Main.Flags().Lookup(name), "flag %s not registered", name)
	}
}

func TestSweepIntervalConfigurable(t *testing.T) {
	require.NoError(t, Main.Flags().Set("cache-sweep-interval", "15m"))
	defer func() { _ = Main.Flags().Set("cache-sweep-interval", "0") }()

	require.NoError(t, sv.CobraPreRunE(Main, nil))
	assert.Equal(t, 15*time.Minute, sv.Viper().GetDuration("cache-sweep-interval"))
}
