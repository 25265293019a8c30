// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/atrium-collab/atrium/portal"
)

// runHost creates a portal, prints the ID guests join with, and keeps
// the session open until interrupted.
func runHost(args []string) error {
	flagSet := pflag.NewFlagSet("atrium host", pflag.ContinueOnError)
	var flags connectionFlags
	flags.register(flagSet)
	shareFile := flagSet.String("share", "", "file to share as the portal's active editor")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := establish(ctx, &flags)
	if err != nil {
		return err
	}
	defer session.close()

	setupCtx, cancel := context.WithTimeout(ctx, flags.timeout)
	hosted, err := session.manager.CreateHostPortal(setupCtx)
	cancel()
	if err != nil {
		return err
	}
	hosted.SetDelegate(newEventPrinter(hosted, os.Stdout))

	if *shareFile != "" {
		if err := shareInitialEditor(hosted, *shareFile); err != nil {
			return err
		}
		fmt.Printf("sharing %s\n", *shareFile)
	}

	fmt.Printf("hosting portal %s as %s\n", hosted.ID(), session.local.Login)
	fmt.Printf("guests join with: atrium join %s\n", hosted.ID())

	<-ctx.Done()
	fmt.Println("closing portal")
	return nil
}

// shareInitialEditor publishes a file's contents as the session's
// active editor, so guests have a document on screen the moment they
// join.
func shareInitialEditor(hosted *portal.Portal, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	buffer, err := hosted.CreateBufferProxy(filepath.Clean(path), content)
	if err != nil {
		return err
	}
	editor, err := hosted.CreateEditorProxy(buffer)
	if err != nil {
		return err
	}
	return hosted.SetActiveEditorProxy(editor)
}
