// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// atrium-relay is the Atrium rendezvous server: WebRTC signaling
// exchange, the websocket frame relay, the portal directory, identity
// resolution, and TURN credential handout, all on one listener.
//
// Deployments are configured with a YAML file:
//
//	atrium-relay --config /etc/atrium/relay.yaml
//
// Without --config the server runs with defaults: listening on :8452,
// no users, no TURN. That is enough for signaling and relaying on a
// trusted network, but sign-in will fail until users are configured.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/atrium-collab/atrium/relay"
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
	flagSet := pflag.NewFlagSet("atrium-relay", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to the YAML config file")
	listen := flagSet.String("listen", "", "listen address (overrides the config file)")
	logLevel := flagSet.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flagSet.String("log-format", "auto", "log format (text, json, auto)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}

	var config relay.Config
	if *configPath != "" {
		config, err = relay.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}
	if *listen != "" {
		config.Listen = *listen
	}
	if len(config.Users) == 0 {
		logger.Warn("no users configured; sign-in will fail until users are added")
	}

	server, err := relay.NewServer(relay.ServerConfig{
		Config: config,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}

// newLogger builds the process logger. Auto format picks text on a
// terminal and JSON otherwise, so journald and pipelines get
// machine-parseable records without flags.
func newLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	options := &slog.HandlerOptions{Level: slogLevel}

	useText := false
	switch format {
	case "text":
		useText = true
	case "json":
	case "auto":
		useText = term.IsTerminal(int(os.Stderr.Fd()))
	default:
		return nil, fmt.Errorf("invalid log format %q (want text, json, or auto)", format)
	}

	if useText {
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
}
