// mterm-host is the per-session PTY host process. The web server spawns
// one per terminal; each owns a single PTY and child shell and serves the
// host IPC endpoint named after its session id.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mterm/mterm/internal/logger"
	"github.com/mterm/mterm/internal/ptyhost"
)

// Process exit codes of the host itself; 5 (invalid arguments) is shared
// with the pty-exec helper's 1..5.
const (
	exitInvalidArgs = 5
	exitBindFailed  = 10
	exitSpawnFailed = 11
)

func main() {
	// The child helper bypasses cobra: its argv tail is the shell's and
	// must pass through untouched.
	if len(os.Args) > 1 && os.Args[1] == "--pty-exec" {
		os.Exit(ptyExecMain(os.Args[2:]))
	}

	var (
		sessionID  string
		shell      string
		cwd        string
		cols       uint16
		rows       uint16
		uid        uint32
		gid        uint32
		scrollback int
		logLevel   string
		logFile    string
	)

	root := &cobra.Command{
		Use:           "mterm-host",
		Short:         "per-session PTY host for mterm",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sessionID) != 8 {
				return fmt.Errorf("--session-id must be 8 characters, got %q", sessionID)
			}
			if err := logger.Init(logLevel, logFile); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ptyhost.Run(ctx, ptyhost.Options{
				SessionID:  sessionID,
				Shell:      shell,
				Cwd:        cwd,
				Cols:       cols,
				Rows:       rows,
				UID:        uid,
				GID:        gid,
				Scrollback: scrollback,
			})
		},
	}

	root.Flags().StringVar(&sessionID, "session-id", "", "8-character session id (required)")
	root.Flags().StringVar(&shell, "shell", "default", "shell kind: bash, zsh, fish, sh, default")
	root.Flags().StringVar(&cwd, "cwd", "", "working directory for the shell")
	root.Flags().Uint16Var(&cols, "cols", 80, "initial columns")
	root.Flags().Uint16Var(&rows, "rows", 24, "initial rows")
	root.Flags().Uint32Var(&uid, "uid", 0, "run the shell as this uid (unix)")
	root.Flags().Uint32Var(&gid, "gid", 0, "run the shell as this gid (unix)")
	root.Flags().IntVar(&scrollback, "scrollback", 0, "scrollback bytes (0 = default)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	root.Flags().StringVar(&logFile, "log-file", "", "append logs to this file")
	root.MarkFlagRequired("session-id")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mterm-host: %v\n", err)
		switch {
		case errors.Is(err, ptyhost.ErrBind):
			os.Exit(exitBindFailed)
		case errors.Is(err, ptyhost.ErrSpawn):
			os.Exit(exitSpawnFailed)
		case errors.Is(err, context.Canceled):
			os.Exit(0)
		default:
			os.Exit(exitInvalidArgs)
		}
	}
}
