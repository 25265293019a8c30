// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Atrium is the operator CLI for collaborative editing portals: host a
// portal, join one by ID, and watch session events as they arrive.
//
// Connection settings come from a JSONC config file (comments and
// trailing commas allowed), overridden by flags:
//
//	~/.config/atrium/config.jsonc
//	{
//	  // Rendezvous server base URL.
//	  "server": "http://localhost:8452",
//	  // Bearer token. Leave empty to be prompted at startup.
//	  "token": "dev-token-haruka",
//	  // "webrtc" for direct peer links (default), "relay" to route
//	  // every frame through the rendezvous hub.
//	  "transport": "webrtc",
//	}
//
// Session events print to stdout, one line each; logs go to stderr.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "host":
		return runHost(os.Args[2:])
	case "join":
		return runJoin(os.Args[2:])
	case "whoami":
		return runWhoAmI(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: atrium <subcommand> [flags]

Subcommands:
  host     Host a new portal and print its ID
  join     Join a portal by ID
  whoami   Show who the configured token signs in as

Run 'atrium <subcommand> --help' for subcommand flags.
`)
}

// newLogger builds the process logger writing text to stderr, so log
// lines never interleave with the event stream on stdout.
func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
