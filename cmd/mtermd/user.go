package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mterm/mterm/internal/auth"
	"github.com/mterm/mterm/internal/config"
	"github.com/mterm/mterm/internal/store"
)

func openStore(configPath string) (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
		return nil, err
	}
	return store.Open(cfg.DB)
}

func userCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage server accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Fprintf(os.Stderr, "password for %s: ", args[0])
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			fmt.Fprint(os.Stderr, "again: ")
			pw2, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if string(pw) != string(pw2) {
				return fmt.Errorf("passwords do not match")
			}
			if len(pw) == 0 {
				return fmt.Errorf("empty password")
			}

			hash, err := auth.HashPassword(string(pw))
			if err != nil {
				return err
			}
			if err := st.CreateUser(args[0], hash); err != nil {
				return err
			}
			fmt.Printf("user %s saved\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteUser(args[0]); err != nil {
				return err
			}
			fmt.Printf("user %s removed\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()
			names, err := st.ListUsers()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("no users")
				return nil
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	})

	return cmd
}
