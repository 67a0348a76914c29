// Package config loads the focus configuration from command line flags and
// environment variables.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the focus configuration.
type Config struct {
	LogLevel string
	// HTTPAddr is the admin HTTP bind address.
	HTTPAddr string

	// FocusNick is the focus's nickname in conference MUCs.
	FocusNick string
	// BridgeBrewery is the MUC where bridges advertise themselves.
	BridgeBrewery string
	// JibriBrewery is the MUC where jibri workers advertise themselves.
	JibriBrewery string

	// SelectionStrategy names the bridge selection strategy
	// (single, split, region, region-cascade).
	SelectionStrategy string
	// MaxBridgeStress is the corrected-stress ceiling above which a bridge
	// takes no new endpoints.
	MaxBridgeStress float64
	// BridgeFailureCooldown keeps a failed bridge out of selection.
	BridgeFailureCooldown time.Duration
	// ParticipantRampupInterval bounds how long a new endpoint inflates its
	// bridge's corrected stress.
	ParticipantRampupInterval time.Duration
	// PerEndpointStress is the stress charged per recently added endpoint.
	PerEndpointStress float64

	// IQTimeout bounds colibri and jibri request/response exchanges.
	IQTimeout time.Duration
	// JingleTimeout bounds Jingle request/response exchanges.
	JingleTimeout time.Duration

	// MaxSourcesPerUser bounds accepted media sources per endpoint.
	MaxSourcesPerUser int
	// UseSsrcRewriting asks bridges to renumber forwarded SSRCs.
	UseSsrcRewriting bool

	// JibriPendingTimeout bounds how long a jibri may stay pending.
	JibriPendingTimeout time.Duration
	// JibriRetries bounds how many fresh jibris are tried after failures.
	JibriRetries int

	// TrustedAuthDomain is the XMPP domain whose users count as
	// authenticated. Empty disables authentication.
	TrustedAuthDomain string
	// AuthLifetime evicts authentication sessions idle longer than this.
	AuthLifetime time.Duration
	// DisableAutoLogin drops a room's auth sessions when its conference
	// ends.
	DisableAutoLogin bool
}

// Load loads configuration from command line flags and environment variables.
func Load() *Config {
	cfg := &Config{
		BridgeFailureCooldown:     time.Minute,
		ParticipantRampupInterval: 20 * time.Second,
		PerEndpointStress:         0.01,
		IQTimeout:                 15 * time.Second,
		JingleTimeout:             30 * time.Second,
		JibriPendingTimeout:       30 * time.Second,
		AuthLifetime:              24 * time.Hour,
	}

	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.HTTPAddr, "http", ":8888", "Admin HTTP bind address")
	flag.StringVar(&cfg.FocusNick, "nick", "focus", "Focus nickname in conference MUCs")
	flag.StringVar(&cfg.BridgeBrewery, "bridge-brewery", "jvbbrewery@internal.muc.example.com", "Bridge brewery MUC JID")
	flag.StringVar(&cfg.JibriBrewery, "jibri-brewery", "jibribrewery@internal.muc.example.com", "Jibri brewery MUC JID")
	flag.StringVar(&cfg.SelectionStrategy, "strategy", "single", "Bridge selection strategy (single, split, region, region-cascade)")
	flag.Float64Var(&cfg.MaxBridgeStress, "max-stress", 0.8, "Corrected-stress ceiling for bridge selection")
	flag.IntVar(&cfg.MaxSourcesPerUser, "max-sources", 20, "Maximum media sources accepted per endpoint")
	flag.BoolVar(&cfg.UseSsrcRewriting, "ssrc-rewriting", false, "Ask bridges to renumber forwarded SSRCs")
	flag.IntVar(&cfg.JibriRetries, "jibri-retries", 2, "Jibri retry attempts after failures")
	flag.StringVar(&cfg.TrustedAuthDomain, "auth-domain", "", "Trusted authentication domain (empty disables authentication)")
	flag.BoolVar(&cfg.DisableAutoLogin, "no-auto-login", false, "Drop auth sessions when their conference ends")

	flag.Parse()

	// Override with environment variables if set
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("BRIDGE_BREWERY"); v != "" {
		cfg.BridgeBrewery = v
	}
	if v := os.Getenv("JIBRI_BREWERY"); v != "" {
		cfg.JibriBrewery = v
	}
	if v := os.Getenv("SELECTION_STRATEGY"); v != "" {
		cfg.SelectionStrategy = v
	}
	if v := os.Getenv("MAX_BRIDGE_STRESS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MaxBridgeStress = f
		}
	}
	if v := os.Getenv("AUTH_DOMAIN"); v != "" {
		cfg.TrustedAuthDomain = v
	}
	if v := os.Getenv("AUTH_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AuthLifetime = d
		}
	}

	return cfg
}
