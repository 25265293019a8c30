// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atrium-collab/atrium/identity"
)

// Defaults applied by NewServer when the corresponding Config field is
// zero.
const (
	// DefaultListen is the listen address used when the config does
	// not name one.
	DefaultListen = ":8452"

	// DefaultPortalTTL is how long a directory entry survives without
	// activity when the config does not set portal_ttl. Lookups and
	// re-registration refresh the deadline; a host connected to the
	// relay hub never idles out.
	DefaultPortalTTL = time.Hour
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings such as "30s" or "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the rendezvous server's YAML configuration.
//
//	listen: ":8452"
//	portal_ttl: 1h
//	users:
//	  - token: "dev-token-haruka"
//	    login: "haruka"
//	    name: "Haruka Aoki"
//	turn:
//	  uris: ["turn:turn.example.org:3478"]
//	  username: "atrium"
//	  password: "s3cret"
//	  ttl_seconds: 3600
type Config struct {
	// Listen is the TCP address the server binds, e.g. ":8452".
	Listen string `yaml:"listen"`

	// PortalTTL bounds how long an idle portal stays in the
	// directory. Zero means DefaultPortalTTL.
	PortalTTL Duration `yaml:"portal_ttl"`

	// Users is the token table served by /v1/identity. A deployment
	// with no users still relays and signals; it just cannot sign
	// anyone in.
	Users []UserConfig `yaml:"users"`

	// TURN, when present, is handed out verbatim by /v1/turn. Absent
	// means the endpoint answers 404 and clients fall back to host
	// candidates.
	TURN *TURNConfig `yaml:"turn"`
}

// UserConfig maps one bearer token to the identity it resolves to.
type UserConfig struct {
	Token     string `yaml:"token"`
	Login     string `yaml:"login"`
	Name      string `yaml:"name"`
	AvatarURL string `yaml:"avatar_url"`
}

// TURNConfig is the static TURN credential block.
type TURNConfig struct {
	URIs       []string `yaml:"uris"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	TTLSeconds int      `yaml:"ttl_seconds"`
}

// LoadConfig reads and validates a YAML config file. Errors carry the
// file path so a bad deployment is diagnosable from the message alone.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Validate checks the config for contradictions a running server
// cannot tolerate. Zero-value fields with defaults are fine.
func (c *Config) Validate() error {
	if time.Duration(c.PortalTTL) < 0 {
		return fmt.Errorf("portal_ttl must not be negative")
	}

	seenTokens := make(map[string]int)
	for i, user := range c.Users {
		if user.Token == "" {
			return fmt.Errorf("users[%d]: token is required", i)
		}
		if user.Login == "" {
			return fmt.Errorf("users[%d]: login is required", i)
		}
		if first, ok := seenTokens[user.Token]; ok {
			return fmt.Errorf("users[%d]: token %s already used by users[%d] (%s)",
				i, identity.TokenFingerprint(user.Token), first, c.Users[first].Login)
		}
		seenTokens[user.Token] = i
	}

	if c.TURN != nil {
		if len(c.TURN.URIs) == 0 {
			return fmt.Errorf("turn: at least one URI is required")
		}
		for i, uri := range c.TURN.URIs {
			if uri == "" {
				return fmt.Errorf("turn: uris[%d] is empty", i)
			}
		}
		if c.TURN.Username == "" || c.TURN.Password == "" {
			return fmt.Errorf("turn: username and password are required")
		}
		if c.TURN.TTLSeconds < 0 {
			return fmt.Errorf("turn: ttl_seconds must not be negative")
		}
	}
	return nil
}

// identityProvider builds the static provider backing /v1/identity.
func (c *Config) identityProvider() *identity.StaticProvider {
	provider := identity.NewStaticProvider()
	for _, user := range c.Users {
		provider.Add(user.Token, identity.Identity{
			Login:     user.Login,
			Name:      user.Name,
			AvatarURL: user.AvatarURL,
		})
	}
	return provider
}
