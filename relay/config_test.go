// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

// TestLoadConfig verifies a full config file round-trips into the
// typed form.
func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
listen: "127.0.0.1:9000"
portal_ttl: 45m
users:
  - token: "tok-haruka"
    login: "haruka"
    name: "Haruka Aoki"
    avatar_url: "https://example.org/haruka.png"
  - token: "tok-devon"
    login: "devon"
turn:
  uris: ["turn:turn.example.org:3478"]
  username: "atrium"
  password: "s3cret"
  ttl_seconds: 3600
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Listen != "127.0.0.1:9000" {
		t.Errorf("Listen = %q, want %q", config.Listen, "127.0.0.1:9000")
	}
	if time.Duration(config.PortalTTL) != 45*time.Minute {
		t.Errorf("PortalTTL = %v, want 45m", time.Duration(config.PortalTTL))
	}
	if len(config.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(config.Users))
	}
	if config.Users[0].Login != "haruka" || config.Users[0].Name != "Haruka Aoki" {
		t.Errorf("first user = %+v", config.Users[0])
	}
	if config.TURN == nil {
		t.Fatal("expected a TURN block")
	}
	if config.TURN.Username != "atrium" || config.TURN.TTLSeconds != 3600 {
		t.Errorf("TURN = %+v", config.TURN)
	}
}

// TestLoadConfig_Errors verifies that load failures name the file so
// a bad deployment is diagnosable from the error alone.
func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent.yaml")
		_, err := LoadConfig(path)
		if err == nil {
			t.Fatal("expected error for missing file")
		}
		if !strings.Contains(err.Error(), path) {
			t.Errorf("error %q does not name the file", err)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfigFile(t, "listen: [unclosed")
		_, err := LoadConfig(path)
		if err == nil {
			t.Fatal("expected error for malformed YAML")
		}
		if !strings.Contains(err.Error(), path) {
			t.Errorf("error %q does not name the file", err)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfigFile(t, `portal_ttl: "banana"`)
		_, err := LoadConfig(path)
		if err == nil {
			t.Fatal("expected error for unparseable duration")
		}
		if !strings.Contains(err.Error(), "banana") {
			t.Errorf("error %q does not cite the bad value", err)
		}
	})

	t.Run("invalid user", func(t *testing.T) {
		path := writeConfigFile(t, `
users:
  - token: "tok"
`)
		_, err := LoadConfig(path)
		if err == nil {
			t.Fatal("expected error for user without login")
		}
		if !strings.Contains(err.Error(), "users[0]") {
			t.Errorf("error %q does not locate the bad user", err)
		}
	})
}

// TestConfigValidate exercises the validation rules directly.
func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Users: []UserConfig{
				{Token: "tok-a", Login: "a"},
				{Token: "tok-b", Login: "b"},
			},
			TURN: &TURNConfig{
				URIs:     []string{"turn:example.org:3478"},
				Username: "u",
				Password: "p",
			},
		}
	}

	if err := (&Config{}).Validate(); err != nil {
		t.Errorf("zero config should validate, got %v", err)
	}
	baseline := valid()
	if err := baseline.Validate(); err != nil {
		t.Errorf("valid config failed: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "duplicate token",
			mutate:  func(c *Config) { c.Users[1].Token = c.Users[0].Token },
			wantSub: "already used",
		},
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.Users[0].Token = "" },
			wantSub: "token is required",
		},
		{
			name:    "missing login",
			mutate:  func(c *Config) { c.Users[1].Login = "" },
			wantSub: "login is required",
		},
		{
			name:    "turn without uris",
			mutate:  func(c *Config) { c.TURN.URIs = nil },
			wantSub: "at least one URI",
		},
		{
			name:    "turn without credentials",
			mutate:  func(c *Config) { c.TURN.Password = "" },
			wantSub: "username and password",
		},
		{
			name:    "negative turn ttl",
			mutate:  func(c *Config) { c.TURN.TTLSeconds = -1 },
			wantSub: "ttl_seconds",
		},
		{
			name:    "negative portal ttl",
			mutate:  func(c *Config) { c.PortalTTL = Duration(-time.Minute) },
			wantSub: "portal_ttl",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := valid()
			tc.mutate(&config)
			err := config.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not contain %q", err, tc.wantSub)
			}
		})
	}
}

// TestConfigValidate_DuplicateTokenMessage verifies the duplicate
// report fingerprints the token instead of echoing it.
func TestConfigValidate_DuplicateTokenMessage(t *testing.T) {
	config := Config{
		Users: []UserConfig{
			{Token: "super-secret-token", Login: "a"},
			{Token: "super-secret-token", Login: "b"},
		},
	}
	err := config.Validate()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if strings.Contains(err.Error(), "super-secret-token") {
		t.Errorf("error %q leaks the raw token", err)
	}
}
