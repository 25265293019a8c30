// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"golang.org/x/term"
)

// clientConfig is the CLI's JSONC configuration. Every field has a
// flag override; the file exists so operators type the server URL and
// token once.
type clientConfig struct {
	// Server is the rendezvous server base URL.
	Server string `json:"server"`
	// Token is the bearer token presented at sign-in. Empty means
	// prompt interactively.
	Token string `json:"token"`
	// PeerID pins the transport peer ID. Empty means a random ID per
	// process, which is right for everything except debugging.
	PeerID string `json:"peer_id"`
	// Transport selects "webrtc" (default) or "relay".
	Transport string `json:"transport"`
}

// defaultConfigPath returns the per-user config file location,
// honoring XDG_CONFIG_HOME on Linux.
func defaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "atrium", "config.jsonc"), nil
}

// loadClientConfig reads a JSONC config file. explicit marks a path
// the user named on the command line: a missing explicit file is an
// error, a missing default file is an empty config.
func loadClientConfig(path string, explicit bool) (clientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return clientConfig{}, nil
		}
		return clientConfig{}, fmt.Errorf("reading config: %w", err)
	}

	var config clientConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
		return clientConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return config, nil
}

// resolveToken picks the sign-in token: --token-file wins, then the
// config file, then an interactive prompt with echo disabled.
func resolveToken(tokenFile string, config clientConfig) (string, error) {
	if tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", fmt.Errorf("reading token file: %w", err)
		}
		token := strings.TrimRight(string(data), "\r\n")
		if token == "" {
			return "", fmt.Errorf("token file %s is empty", tokenFile)
		}
		return token, nil
	}
	if config.Token != "" {
		return config.Token, nil
	}

	stdinFD := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFD) {
		return "", fmt.Errorf("no token configured and no terminal to prompt on (set token in the config file or pass --token-file)")
	}
	fmt.Fprint(os.Stderr, "Token: ")
	tokenBytes, err := term.ReadPassword(stdinFD)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	if len(tokenBytes) == 0 {
		return "", fmt.Errorf("empty token")
	}
	return string(tokenBytes), nil
}
