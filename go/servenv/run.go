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

package servenv

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Run fires the OnRun hooks, calls serve with a context that is cancelled on
// SIGTERM/SIGINT, and fires the OnClose hooks once serve returns. serve is
// expected to block until its context is cancelled and all in-flight work
// has drained.
func (sv *ServEnv) Run(serve func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	for _, f := range sv.onRunHooks {
		f()
	}

	err := serve(ctx)

	logger := GetLogger()
	logger.Info("shutting down")
	for _, f := range sv.onCloseHooks {
		f()
	}
	return err
}

// ExitOnError logs err and exits non-zero; a nil err is a no-op.
func ExitOnError(err error) {
	if err == nil {
		return
	}
	GetLogger().Error(err.Error())
	os.Exit(1)
}
