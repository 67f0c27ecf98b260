// vigild - continuous behavioral owner verification
//
// The daemon consumes a stream of behavioral feature vectors (touch, motion,
// typing), scores them against the learned owner profile, and publishes a
// 0-100 risk value with an escalation decision:
//
//	vigild run        Run the daemon, reading feature vectors from stdin
//	vigild simulate   Run an in-process owner/intruder simulation
//	vigild defaults   Print the default configuration as TOML
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "simulate":
		cmdSimulate(os.Args[2:])
	case "defaults":
		cmdDefaults()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `vigild - continuous behavioral owner verification

Usage:
  vigild run [flags]        Run the daemon (feature vectors as JSONL on stdin)
  vigild simulate [flags]   Run an in-process owner/intruder simulation
  vigild defaults           Print the default configuration as TOML

Run flags:
  -config <path>    Config file (default ~/.config/vigild/config.toml)
  -profile <id>     Profile identifier for snapshot persistence (default "default")
  -input <path>     Feature stream file, "-" for stdin (default "-")
`)
}
