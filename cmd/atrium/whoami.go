// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/atrium-collab/atrium/identity"
)

// runWhoAmI resolves the configured token against the rendezvous
// server and prints the identity it signs in as. Useful for checking a
// config file before hosting anything.
func runWhoAmI(args []string) error {
	flagSet := pflag.NewFlagSet("atrium whoami", pflag.ContinueOnError)
	var flags connectionFlags
	flags.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	logger, err := newLogger(flags.logLevel)
	if err != nil {
		return err
	}
	config, err := flags.resolveConfig()
	if err != nil {
		return err
	}
	token, err := resolveToken(flags.tokenFile, config)
	if err != nil {
		return err
	}

	provider, err := identity.NewHTTPProvider(identity.HTTPProviderConfig{
		BaseURL: config.Server,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()
	resolved, err := provider.Resolve(ctx, token)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	if resolved.Name != "" {
		fmt.Printf("%s (%s)\n", resolved.Login, resolved.Name)
	} else {
		fmt.Println(resolved.Login)
	}
	return nil
}
