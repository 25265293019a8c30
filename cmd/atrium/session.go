// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/portal"
	"github.com/atrium-collab/atrium/transport"
)

// defaultSetupTimeout bounds each setup round-trip: sign-in, portal
// registration, the join handshake. Overridden by --timeout.
const defaultSetupTimeout = 60 * time.Second

// connectionFlags are the flags shared by every subcommand that talks
// to a rendezvous server.
type connectionFlags struct {
	configPath string
	server     string
	tokenFile  string
	transport  string
	peerID     string
	logLevel   string
	timeout    time.Duration
}

// register adds the shared flags to a subcommand's flag set.
func (f *connectionFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "path to the JSONC config file (default ~/.config/atrium/config.jsonc)")
	flagSet.StringVar(&f.server, "server", "", "rendezvous server base URL (overrides the config file)")
	flagSet.StringVar(&f.tokenFile, "token-file", "", "path to a file containing the bearer token (default: config file, then prompt)")
	flagSet.StringVar(&f.transport, "transport", "", "transport: webrtc or relay (overrides the config file)")
	flagSet.StringVar(&f.peerID, "peer-id", "", "transport peer ID (default: random per process)")
	flagSet.StringVar(&f.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flagSet.DurationVar(&f.timeout, "timeout", defaultSetupTimeout, "timeout for each setup step (sign-in, join handshake)")
}

// resolveConfig merges flags over the config file and fills defaults.
func (f *connectionFlags) resolveConfig() (clientConfig, error) {
	configPath := f.configPath
	explicit := configPath != ""
	if !explicit {
		var err error
		configPath, err = defaultConfigPath()
		if err != nil {
			return clientConfig{}, fmt.Errorf("locating config directory: %w", err)
		}
	}
	config, err := loadClientConfig(configPath, explicit)
	if err != nil {
		return clientConfig{}, err
	}

	if f.server != "" {
		config.Server = f.server
	}
	if f.transport != "" {
		config.Transport = f.transport
	}
	if f.peerID != "" {
		config.PeerID = f.peerID
	}
	if config.Server == "" {
		return clientConfig{}, fmt.Errorf("no rendezvous server configured (set server in %s or pass --server)", configPath)
	}
	if config.Transport == "" {
		config.Transport = "webrtc"
	}
	if config.PeerID == "" {
		config.PeerID = "atrium-" + uuid.NewString()
	}
	return config, nil
}

// clientSession is everything a subcommand needs to operate portals:
// the signed-in binding manager and the network, whose lifetimes the
// CLI owns.
type clientSession struct {
	config  clientConfig
	logger  *slog.Logger
	network transport.Network
	manager *portal.BindingManager
	local   identity.Identity

	stopICERefresh context.CancelFunc
}

// establish builds a signed-in session from flags: config merge, token
// resolution, transport dial, manager sign-in. The caller closes the
// returned session.
func establish(ctx context.Context, flags *connectionFlags) (*clientSession, error) {
	logger, err := newLogger(flags.logLevel)
	if err != nil {
		return nil, err
	}
	config, err := flags.resolveConfig()
	if err != nil {
		return nil, err
	}
	token, err := resolveToken(flags.tokenFile, config)
	if err != nil {
		return nil, err
	}

	session := &clientSession{config: config, logger: logger}
	if err := session.connect(ctx, token, flags.timeout); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *clientSession) connect(ctx context.Context, token string, timeout time.Duration) error {
	provider, err := identity.NewHTTPProvider(identity.HTTPProviderConfig{
		BaseURL: s.config.Server,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}
	directory, err := portal.NewHTTPDirectory(portal.HTTPDirectoryConfig{
		BaseURL: s.config.Server,
	})
	if err != nil {
		return err
	}

	network, err := s.dialNetwork(ctx, timeout)
	if err != nil {
		return err
	}
	if s.logger.Enabled(ctx, slog.LevelDebug) {
		network = newFrameTrace(network, s.logger)
	}

	manager, err := portal.NewBindingManager(portal.BindingManagerConfig{
		Network:   network,
		Provider:  provider,
		Directory: directory,
		Logger:    s.logger,
	})
	if err != nil {
		network.Close()
		return err
	}

	signInCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	local, err := manager.SignIn(signInCtx, token)
	if err != nil {
		network.Close()
		return err
	}

	s.network = network
	s.manager = manager
	s.local = local
	return nil
}

// dialNetwork builds the configured transport. WebRTC fetches TURN
// credentials from the rendezvous server and keeps them fresh for as
// long as the session lives; relay is a single websocket dial.
func (s *clientSession) dialNetwork(ctx context.Context, timeout time.Duration) (transport.Network, error) {
	switch s.config.Transport {
	case "webrtc":
		signaler, err := transport.NewHTTPSignaler(transport.HTTPSignalerConfig{
			BaseURL: s.config.Server,
			Logger:  s.logger,
		})
		if err != nil {
			return nil, err
		}

		turnCtx, cancel := context.WithTimeout(ctx, timeout)
		turn, err := transport.FetchTURNCredentials(turnCtx, nil, s.config.Server)
		cancel()
		if err != nil {
			s.logger.Warn("TURN credential fetch failed; continuing with host candidates", "error", err)
			turn = nil
		}

		network, err := transport.NewWebRTCNetwork(transport.WebRTCNetworkConfig{
			Signaler: signaler,
			PeerID:   s.config.PeerID,
			ICE:      transport.ICEConfigFromTURN(turn),
			Logger:   s.logger,
		})
		if err != nil {
			return nil, err
		}
		if turn != nil && turn.TTLSeconds > 0 {
			refreshCtx, stop := context.WithCancel(context.Background())
			s.stopICERefresh = stop
			go s.refreshICE(refreshCtx, network, time.Duration(turn.TTLSeconds)*time.Second)
		}
		return network, nil

	case "relay":
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return transport.DialRelay(dialCtx, transport.RelayNetworkConfig{
			BaseURL: s.config.Server,
			PeerID:  s.config.PeerID,
			Logger:  s.logger,
		})

	default:
		return nil, fmt.Errorf("unknown transport %q (want webrtc or relay)", s.config.Transport)
	}
}

// refreshICE re-fetches TURN credentials before they expire and swaps
// them into the network for future PeerConnections.
func (s *clientSession) refreshICE(ctx context.Context, network *transport.WebRTCNetwork, ttl time.Duration) {
	interval := ttl * 8 / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			turn, err := transport.FetchTURNCredentials(fetchCtx, nil, s.config.Server)
			cancel()
			if err != nil {
				s.logger.Warn("TURN credential refresh failed", "error", err)
				continue
			}
			network.UpdateICEConfig(transport.ICEConfigFromTURN(turn))
			s.logger.Debug("refreshed TURN credentials")
		case <-ctx.Done():
			return
		}
	}
}

// close disposes the session's portals, then the network. Portal
// disposal runs first so close announcements and goodbyes still have
// a transport to travel on.
func (s *clientSession) close() {
	if s.stopICERefresh != nil {
		s.stopICERefresh()
	}
	s.manager.Dispose()
	s.network.Close()
}
