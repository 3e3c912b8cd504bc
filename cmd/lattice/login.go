package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	lattice "github.com/lattice-im/lattice-go"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted from LATTICE_PASSWORD env if omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Authenticate and persist the session credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password := loginPassword
		if password == "" {
			password = os.Getenv("LATTICE_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("a password is required (use --password or LATTICE_PASSWORD)")
		}

		client := lattice.NewClient("", clientOptions()...)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		cred, err := client.Auth.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Save(cred); err != nil {
			return fmt.Errorf("failed to persist credential: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", cred.Profile.Username, cred.Profile.UserID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the persisted session credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear credential: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cred := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		profile, err := client.Auth.Me(ctx)
		if err != nil {
			// Offline: fall back to the persisted profile.
			profile = &cred.Profile
		}
		fmt.Printf("%s (%s)\n", profile.Username, profile.UserID)
		return nil
	},
}
