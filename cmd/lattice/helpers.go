package main

import (
	"errors"
	"fmt"
	"os"

	lattice "github.com/lattice-im/lattice-go"
)

// openStore opens the durable credential store at ~/.lattice/session.db.
func openStore() (*lattice.BoltStore, error) {
	path, err := storePath()
	if err != nil {
		return nil, err
	}
	return lattice.OpenBoltStore(path)
}

// loadCredential reads the persisted credential, exiting with guidance when
// none exists.
func loadCredential() *lattice.Credential {
	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open credential store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	cred, err := store.Load()
	if err != nil {
		if errors.Is(err, lattice.ErrNoCredential) {
			fmt.Fprintln(os.Stderr, "Not logged in. Run 'lattice login' first.")
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load credential: %v\n", err)
		}
		os.Exit(1)
	}
	return cred
}

// clientOptions builds client options from the config file.
func clientOptions() []lattice.ClientOption {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	var opts []lattice.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, lattice.WithBaseURL(cfg.Default.BaseURL))
	}
	return opts
}

// getClient creates an authenticated REST client from the stored credential.
func getClient() (*lattice.Client, *lattice.Credential) {
	cred := loadCredential()
	return lattice.NewClient(cred.Token, clientOptions()...), cred
}

// baseURL returns the configured API endpoint.
func baseURL() string {
	cfg, err := loadConfig()
	if err == nil && cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return lattice.DefaultBaseURL
}
