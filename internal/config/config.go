package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default configuration values (production)
const (
	DefaultSTUN            = "stun:stun.l.google.com:19302"
	DefaultLinkBase        = "https://silentlink.app/join"
	DefaultHandshakeWindow = 180 * time.Second
	DefaultDisconnectGrace = 5 * time.Second
	DefaultFrameRate       = 30
)

// Config holds application configuration
type Config struct {
	// STUNServer used for ICE candidate gathering
	STUNServer string

	// LinkBase is the base URL used when building shareable invite links
	LinkBase string

	// HandshakeWindow bounds how long a started handshake may stay open
	HandshakeWindow time.Duration

	// DisconnectGrace is how long a connected session tolerates a
	// disconnected/failed connection state before tearing down
	DisconnectGrace time.Duration

	// FrameRate is the target output rate of the privacy pipeline
	FrameRate int

	// SaveDir is where finalized incoming file transfers are written
	SaveDir string
}

// Options for loading config with CLI flag overrides
type Options struct {
	STUNServer      string
	LinkBase        string
	HandshakeWindow time.Duration
	SaveDir         string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	stunServer := opts.STUNServer
	if stunServer == "" {
		stunServer = os.Getenv("STUN_SERVER")
	}
	if stunServer == "" {
		stunServer = DefaultSTUN
	}

	linkBase := opts.LinkBase
	if linkBase == "" {
		linkBase = os.Getenv("SILENTLINK_LINK_BASE")
	}
	if linkBase == "" {
		linkBase = DefaultLinkBase
	}

	window := opts.HandshakeWindow
	if window == 0 {
		if v := os.Getenv("SILENTLINK_HANDSHAKE_WINDOW"); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil || secs <= 0 {
				return nil, fmt.Errorf("invalid SILENTLINK_HANDSHAKE_WINDOW: %q", v)
			}
			window = time.Duration(secs) * time.Second
		}
	}
	if window == 0 {
		window = DefaultHandshakeWindow
	}

	saveDir := opts.SaveDir
	if saveDir == "" {
		saveDir = os.Getenv("SILENTLINK_SAVE_DIR")
	}

	return &Config{
		STUNServer:      stunServer,
		LinkBase:        linkBase,
		HandshakeWindow: window,
		DisconnectGrace: DefaultDisconnectGrace,
		FrameRate:       DefaultFrameRate,
		SaveDir:         saveDir,
	}, nil
}

// GetSTUNServers returns STUN server URLs as strings. An explicitly
// empty server means host candidates only, which is how same-machine
// sessions and tests run.
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}
