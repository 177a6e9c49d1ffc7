package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/LuminPulse-AI/convsync"
)

var errNoToken = errors.New("no token configured; run 'convsync init <user-id> <token>' first")

// getClient creates a REST client from the effective configuration.
func getClient() (*convsync.Client, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, errNoToken
	}
	return convsync.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg, nil
}

func clientOptions(cfg *Config) []convsync.ClientOption {
	var opts []convsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, convsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.RateLimit > 0 {
		opts = append(opts, convsync.WithRateLimit(cfg.Default.RateLimit, max(1, int(cfg.Default.RateLimit))))
	}
	return opts
}

// realtimeURL returns the configured ws_url, or <base_url>/ws.
func realtimeURL(cfg *Config) (string, error) {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL, nil
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = convsync.DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base_url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// newEngine builds a sync engine for the configured user.
func newEngine(cfg *Config, api *convsync.Client, opts ...convsync.Option) (*convsync.SyncEngine, error) {
	if cfg.Auth.UserID == "" {
		return nil, errors.New("no user id configured; run 'convsync init <user-id> <token>' first")
	}
	wsURL, err := realtimeURL(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]convsync.Option{convsync.WithLogger(log.Logger)}, opts...)
	return convsync.NewSyncEngine(convsync.Config{
		UserID:            cfg.Auth.UserID,
		Token:             cfg.Auth.Token,
		Realtime:          convsync.RealtimeConfig{URL: wsURL},
		ResyncOnReconnect: true,
	}, api, opts...), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
