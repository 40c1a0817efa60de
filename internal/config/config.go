// Package config assembles the program options from defaults, a
// dotenv-format config file, environment variables, and flags — later
// sources override earlier ones.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full option set consumed by the embedding program and the
// streaming core.
type Config struct {
	// Sink
	Player     string
	PlayerArgs string
	NoKill     bool

	// Acquisition routing
	Servers    []string
	NeverProxy []string

	// Variant selection
	Quality string
	Codecs  []string

	// HTTP agent
	ForceHTTPS bool
	ForceIPv4  bool
	UserAgent  string
	ClientID   string
	AuthToken  string

	// Retry and timeout budgets
	HTTPRetries int
	HTTPTimeout time.Duration

	// Core behavior
	NoLowLatency bool
	Passthrough  bool

	// Diagnostics
	Debug bool
	Quiet bool

	// Positional
	Channel string
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Quality:     "best",
		Codecs:      []string{"h264"},
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:132.0) Gecko/20100101 Firefox/132.0",
		HTTPRetries: 3,
		HTTPTimeout: 10 * time.Second,
	}
}

// envPrefix namespaces the environment and config-file keys.
const envPrefix = "TWITCH_HLS_"

// ApplyFile overlays values from a dotenv-format config file. A missing
// file is not an error unless the path was given explicitly.
func (c *Config) ApplyFile(path string, explicit bool) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	c.apply(func(key string) (string, bool) {
		v, ok := values[envPrefix+key]
		return v, ok
	})
	return nil
}

// ApplyEnv overlays values from the process environment.
func (c *Config) ApplyEnv() {
	c.apply(func(key string) (string, bool) {
		return os.LookupEnv(envPrefix + key)
	})
}

func (c *Config) apply(lookup func(string) (string, bool)) {
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setList := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	setString("PLAYER", &c.Player)
	setString("PLAYER_ARGS", &c.PlayerArgs)
	setBool("NO_KILL", &c.NoKill)
	setList("SERVERS", &c.Servers)
	setList("NEVER_PROXY", &c.NeverProxy)
	setString("QUALITY", &c.Quality)
	setList("CODECS", &c.Codecs)
	setBool("FORCE_HTTPS", &c.ForceHTTPS)
	setBool("FORCE_IPV4", &c.ForceIPv4)
	setString("USER_AGENT", &c.UserAgent)
	setString("CLIENT_ID", &c.ClientID)
	setString("AUTH_TOKEN", &c.AuthToken)
	if v, ok := lookup("HTTP_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTPRetries = n
		}
	}
	if v, ok := lookup("HTTP_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTPTimeout = d
		}
	}
	setBool("NO_LOW_LATENCY", &c.NoLowLatency)
	setBool("DEBUG", &c.Debug)
	setBool("QUIET", &c.Quiet)
}

// RegisterFlags binds the option set to fs. Defaults shown in usage are
// the values already overlaid from file and environment.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Player, "player", c.Player, "Player executable to spawn")
	fs.StringVar(&c.PlayerArgs, "player-args", c.PlayerArgs, "Arguments passed to the player")
	fs.BoolVar(&c.NoKill, "no-kill", c.NoKill, "Leave the player running on exit")
	fs.Func("servers", "Comma-separated playlist proxy servers ([channel] is substituted)", func(v string) error {
		c.Servers = splitList(v)
		return nil
	})
	fs.Func("never-proxy", "Comma-separated channels that bypass the proxy servers", func(v string) error {
		c.NeverProxy = splitList(v)
		return nil
	})
	fs.StringVar(&c.Quality, "quality", c.Quality, "Stream quality (best, worst, or a quality tag like 720p60)")
	fs.Func("codecs", "Comma-separated codec preference order (av1,h265,h264)", func(v string) error {
		c.Codecs = splitList(v)
		return nil
	})
	fs.BoolVar(&c.ForceHTTPS, "force-https", c.ForceHTTPS, "Refuse non-HTTPS URLs")
	fs.BoolVar(&c.ForceIPv4, "force-ipv4", c.ForceIPv4, "Resolve hosts to IPv4 addresses only")
	fs.StringVar(&c.UserAgent, "user-agent", c.UserAgent, "User-Agent header sent on every request")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID, "Twitch client id")
	fs.StringVar(&c.AuthToken, "auth-token", c.AuthToken, "Twitch OAuth token")
	fs.IntVar(&c.HTTPRetries, "http-retries", c.HTTPRetries, "Additional attempts per request on transient failures")
	fs.DurationVar(&c.HTTPTimeout, "http-timeout", c.HTTPTimeout, "Per-attempt connect and read-idle timeout")
	fs.BoolVar(&c.NoLowLatency, "no-low-latency", c.NoLowLatency, "Ignore prefetch segments")
	fs.BoolVar(&c.Passthrough, "passthrough", c.Passthrough, "Print or hand the playlist URL to the player and exit")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
	fs.BoolVar(&c.Quiet, "quiet", c.Quiet, "Silence the player's own output")
}

// Validate checks cross-field requirements after all sources are applied.
func (c *Config) Validate() error {
	if c.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if c.Player == "" && !c.Passthrough {
		return fmt.Errorf("player is required unless -passthrough is set")
	}
	if c.HTTPRetries < 0 {
		return fmt.Errorf("http-retries must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http-timeout must be positive")
	}
	return nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "twitch-hls-client", "config")
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
