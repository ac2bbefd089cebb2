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

// pggate is the multi-tenant gateway that masquerades as a PostgreSQL
// server. It authenticates clients against per-tenant credentials and
// bridges each session to its backend: a browser-registered socket session
// or an ephemeral fleet instance.
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/supabase/pggate/go/fleet"
	"github.com/supabase/pggate/go/gateway"
	"github.com/supabase/pggate/go/metadata"
	"github.com/supabase/pggate/go/pool"
	"github.com/supabase/pggate/go/servenv"
)

var (
	sv = servenv.New()

	Main = &cobra.Command{
		Use:               "pggate",
		Short:             "pggate accepts PostgreSQL client connections for many tenants, authenticates them, and relays each session to the tenant's database backend.",
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

	resolver, err := gateway.NewResolver(sv.GetString("wildcard-domain"))
	if err != nil {
		return err
	}

	store, err := metadata.NewPostgresStore(sv.GetString("metadata-dsn"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authGate, err := gateway.NewAuthGate(store, metadata.AuthMethod(sv.GetString("auth-method")), logger)
	if err != nil {
		return err
	}

	tlsConfig, err := gateway.NewTLSConfig(sv.GetString("tls-cert"), sv.GetString("tls-key"), resolver)
	if err != nil {
		return err
	}

	registry := gateway.NewRegistry()
	mode := gateway.Mode(sv.GetString("mode"))

	var instancePool *pool.Pool
	if mode == gateway.ModeMachine {
		client, err := fleet.NewHTTPClient(fleet.HTTPClientConfig{
			BaseURL: sv.GetString("fleet-api-url"),
			AppName: sv.GetString("fleet-app"),
			Token:   sv.GetString("fleet-token"),
		})
		if err != nil {
			return err
		}
		instancePool, err = pool.New(pool.Config{
			Client:      client,
			Logger:      logger,
			MaxReserved: sv.GetInt("max-reserved"),
		})
		if err != nil {
			return err
		}
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		ListenAddr:   sv.GetString("listen-addr"),
		Mode:         mode,
		Resolver:     resolver,
		AuthGate:     authGate,
		Registry:     registry,
		TLSConfig:    tlsConfig,
		Pool:         instancePool,
		InstancePort: sv.GetInt("instance-port"),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	wsHandler, err := gateway.NewWSHandler(gateway.WSHandlerConfig{
		Registry: registry,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sv.OnRun(func() {
		logger.Info("pggate starting up",
			"mode", mode,
			"listen_addr", sv.GetString("listen-addr"),
			"http_addr", sv.GetString("http-addr"),
			"wildcard_domain", resolver.WildcardDomain(),
		)
	})
	sv.OnClose(func() {
		logger.Info("pggate shut down")
	})

	return sv.Run(func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)

		if instancePool != nil {
			g.Go(func() error {
				instancePool.Run(ctx)
				return nil
			})
		}

		mux := http.NewServeMux()
		mux.Handle("/ws", wsHandler)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		httpServer := &http.Server{
			Addr:              sv.GetString("http-addr"),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			err := httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			return server.Serve(ctx)
		})

		return g.Wait()
	})
}

func init() {
	fs := Main.Flags()
	fs.String("listen-addr", ":5432", "TCP address for PostgreSQL client connections")
	fs.String("http-addr", ":8080", "HTTP address for socket registrations and health checks")
	fs.String("mode", string(gateway.ModeWebSocket), "Backend mode (websocket, machine)")
	fs.String("wildcard-domain", "", "Domain whose subdomains name tenants, e.g. db.example.com")
	fs.String("tls-cert", "", "Path to the wildcard TLS certificate")
	fs.String("tls-key", "", "Path to the wildcard TLS key")
	fs.String("metadata-dsn", "", "PostgreSQL DSN of the tenant metadata database")
	fs.String("auth-method", string(metadata.AuthMethodSCRAM), "Authentication method negotiated with clients (scram-sha-256, md5Password)")
	fs.String("fleet-api-url", "", "Fleet controller API base URL (machine mode)")
	fs.String("fleet-app", "", "Fleet app name (machine mode)")
	fs.String("fleet-token", "", "Fleet API token (machine mode)")
	fs.Int("instance-port", 5432, "Port the instance agent listens on (machine mode)")
	fs.Int("max-reserved", 0, "Cap on concurrently reserved instances, 0 for no cap (machine mode)")

	servenv.RegisterLoggingFlags(fs, sv.Viper())
}
