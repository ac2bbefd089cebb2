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

// pgworker is the agent that runs inside each fleet instance. It receives
// sessions handed off by pggate, materializes tenant databases from the
// snapshot cache, and relays bytes to the local database engine.
package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/supabase/pggate/go/servenv"
	"github.com/supabase/pggate/go/snapcache"
	"github.com/supabase/pggate/go/worker"
)

var (
	sv = servenv.New()

	Main = &cobra.Command{
		Use:               "pgworker",
		Short:             "pgworker serves handed-off database sessions inside a fleet instance, preparing tenant data directories on demand.",
		Args:              cobra.NoArgs,
		PersistentPreRunE: sv.CobraPreRunE,
		RunE:              run,
	}
)

func main() {
	servenv.ExitOnError(Main.Execute())
}

func run(cmd *cobra.Command, args []string) error {
	logger := servenv.GetLogger()

	storage, err := snapcache.NewS3Client(context.Background(), snapcache.S3Config{
		Region:    sv.GetString("s3-region"),
		Endpoint:  sv.GetString("s3-endpoint"),
		AccessKey: sv.GetString("s3-access-key"),
		SecretKey: sv.GetString("s3-secret-key"),
	})
	if err != nil {
		return err
	}

	cache, err := snapcache.New(snapcache.Config{
		Root:    sv.GetString("cache-root"),
		Bucket:  sv.GetString("s3-bucket"),
		Storage: storage,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := snapcache.NewSweeper(snapcache.SweeperConfig{
		Root:       cache.Root(),
		TTL:        sv.Viper().GetDuration("cache-ttl"),
		Interval:   sv.Viper().GetDuration("cache-sweep-interval"),
		UsageLimit: sv.Viper().GetFloat64("cache-usage-limit"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	engine, err := worker.NewEngine(worker.EngineConfig{
		Command:   sv.GetString("engine-command"),
		SocketDir: sv.GetString("engine-socket-dir"),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	server, err := worker.NewServer(worker.Config{
		ListenAddr: sv.GetString("listen-addr"),
		Cache:      cache,
		Engine:     engine,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sv.OnRun(func() {
		logger.Info("pgworker starting up",
			"listen_addr", sv.GetString("listen-addr"),
			"cache_root", cache.Root(),
		)
	})
	sv.OnClose(func() {
		logger.Info("pgworker shut down")
	})

	return sv.Run(func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			sweeper.Run(ctx)
			return nil
		})
		g.Go(func() error {
			return server.Serve(ctx)
		})
		return g.Wait()
	})
}

func init() {
	fs := Main.Flags()
	fs.String("listen-addr", ":5432", "TCP address the gateway hands sessions off to")
	fs.String("cache-root", "/data/cache", "Local snapshot cache root directory")
	fs.Duration("cache-ttl", 0, "Age beyond which cached databases are evicted (default 24h)")
	fs.Duration("cache-sweep-interval", 0, "Minimum time between cache sweeps (default 1h)")
	fs.Float64("cache-usage-limit", 0, "Disk usage percentage that triggers pressure eviction (default 90)")
	fs.String("s3-bucket", "", "Object storage bucket holding database snapshots")
	fs.String("s3-region", "", "Object storage region")
	fs.String("s3-endpoint", "", "Object storage endpoint, for S3-compatible stores")
	fs.String("s3-access-key", "", "Object storage access key (falls back to the ambient credential chain)")
	fs.String("s3-secret-key", "", "Object storage secret key")
	fs.String("engine-command", "", "Database engine binary to supervise")
	fs.String("engine-socket-dir", "", "Directory for engine unix sockets (defaults to the system temp dir)")

	servenv.RegisterLoggingFlags(fs, sv.Viper())
}
