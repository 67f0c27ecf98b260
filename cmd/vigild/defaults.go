package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"vigild/internal/config"
)

// cmdDefaults prints the default configuration as TOML, for seeding a
// config file.
func cmdDefaults() {
	if err := toml.NewEncoder(os.Stdout).Encode(config.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "vigild: %v\n", err)
		os.Exit(1)
	}
}
