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

// Package servenv carries the shared process scaffolding for the pggate
// binaries: configuration via pflag/viper with an environment-variable
// overlay, slog setup, and a run lifecycle with OnRun/OnClose hooks driven
// by SIGTERM/SIGINT.
package servenv

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix makes every flag reachable as PGGATE_<FLAG> with dashes mapped
// to underscores, e.g. --metadata-dsn / PGGATE_METADATA_DSN.
const envPrefix = "PGGATE"

// ServEnv ties a cobra command's flags to a viper instance and owns the
// process lifecycle.
type ServEnv struct {
	viper *viper.Viper

	onRunHooks   []func()
	onCloseHooks []func()
}

// New creates a ServEnv with the environment overlay installed.
func New() *ServEnv {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &ServEnv{viper: v}
}

// Viper exposes the underlying viper instance for flag binding.
func (sv *ServEnv) Viper() *viper.Viper {
	return sv.viper
}

// CobraPreRunE binds the command's flags into viper and initializes logging.
// Install it as the command's PersistentPreRunE.
func (sv *ServEnv) CobraPreRunE(cmd *cobra.Command, args []string) error {
	if err := sv.viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	SetupLogging(sv.viper)
	return nil
}

// OnRun registers f to run once the process is serving.
func (sv *ServEnv) OnRun(f func()) {
	sv.onRunHooks = append(sv.onRunHooks, f)
}

// OnClose registers f to run during graceful shutdown, after the signal
// arrives and the serving context is cancelled.
func (sv *ServEnv) OnClose(f func()) {
	sv.onCloseHooks = append(sv.onCloseHooks, f)
}

// GetString reads a configuration value, flag or environment.
func (sv *ServEnv) GetString(key string) string {
	return sv.viper.GetString(key)
}

// GetInt reads a configuration value, flag or environment.
func (sv *ServEnv) GetInt(key string) int {
	return sv.viper.GetInt(key)
}

// GetBool reads a configuration value, flag or environment.
func (sv *ServEnv) GetBool(key string) bool {
	return sv.viper.GetBool(key)
}
