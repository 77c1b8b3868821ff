// mtermd is the mterm web server: it owns the session registry, spawns
// PTY hosts, and serves the mux and state WebSockets plus the session
// REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mterm/mterm/internal/auth"
	"github.com/mterm/mterm/internal/config"
	"github.com/mterm/mterm/internal/logger"
	"github.com/mterm/mterm/internal/mux"
	"github.com/mterm/mterm/internal/server"
	"github.com/mterm/mterm/internal/session"
	"github.com/mterm/mterm/internal/statews"
	"github.com/mterm/mterm/internal/store"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "mtermd",
		Short: "mterm — browser-accessible terminal multiplexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")
	root.AddCommand(userCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mtermd: %v\n", err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		return err
	}

	if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
		return err
	}
	st, err := store.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	var am *auth.Manager
	if !cfg.AuthDisabled {
		am, err = auth.NewManager(st)
		if err != nil {
			return err
		}
		users, err := st.ListUsers()
		if err != nil {
			return err
		}
		if len(users) == 0 {
			logger.Warn("no users exist; create one with `mtermd user add <name>`")
		}
	}

	mgr := session.NewManager(session.Options{
		HostBinary:   cfg.HostBinary,
		DefaultShell: cfg.DefaultShell,
	})
	defer mgr.Close()

	bcast := mux.NewBroadcaster(mgr)
	defer bcast.Close()
	state := statews.NewBroadcaster(mgr)
	defer state.Close()

	// Hosts from a previous server run keep their shells alive; pick
	// them back up by endpoint.
	if n := mgr.Adopt(); n > 0 {
		logger.Info("adopted surviving sessions", "count", n)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	err = config.Watch(configPath, func(fresh *config.Config) {
		// Address and TLS changes need a restart; the log level applies
		// live.
		if fresh.Log.Level != cfg.Log.Level {
			logger.Init(fresh.Log.Level, fresh.Log.File)
		}
	}, stopWatch)
	if err != nil {
		logger.Warn("config watch disabled", "err", err)
	}

	srv := server.New(cfg, mgr, bcast, state, am)
	return srv.Run(ctx)
}
