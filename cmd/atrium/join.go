// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/atrium-collab/atrium/portal"
)

// runJoin joins an existing portal and follows its events until the
// host ends the session or the user interrupts.
func runJoin(args []string) error {
	flagSet := pflag.NewFlagSet("atrium join", pflag.ContinueOnError)
	var flags connectionFlags
	flags.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) < 1 {
		return fmt.Errorf("portal ID is required\n\nUsage: atrium join <portal-id> [flags]")
	}
	if len(rest) > 1 {
		return fmt.Errorf("unexpected argument: %s", rest[1])
	}
	portalID := rest[0]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := establish(ctx, &flags)
	if err != nil {
		return err
	}
	defer session.close()

	joinCtx, cancel := context.WithTimeout(ctx, flags.timeout)
	joined, err := session.manager.JoinPortal(joinCtx, portalID)
	cancel()
	if err != nil {
		return err
	}

	printer := newEventPrinter(joined, os.Stdout)
	joined.SetDelegate(printer)

	fmt.Printf("joined portal %s as %s (site %d)\n", joined.ID(), session.local.Login, joined.SiteID())
	printRoster(joined)
	if editor := joined.ActiveEditorProxy(); editor != nil {
		fmt.Printf("active editor: %s\n", editor.Buffer().URI())
	}

	select {
	case <-printer.Ended():
	case <-ctx.Done():
		fmt.Println("leaving portal")
	}
	return nil
}

// printRoster lists who was already in the session at join time. Later
// arrivals come through the delegate.
func printRoster(joined *portal.Portal) {
	localSite := joined.SiteID()
	for _, site := range joined.ActiveSiteIDs() {
		if site == localSite {
			continue
		}
		name := fmt.Sprintf("site %d", site)
		if id, ok := joined.SiteIdentity(site); ok {
			name = id.Login
		}
		fmt.Printf("in session: %s (site %d)\n", name, site)
	}
}
