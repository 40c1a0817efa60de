// Package acquire resolves a channel name to the media playlist URL of the
// requested quality, either through user-supplied proxy playlist servers or
// directly against Twitch's token and usher endpoints.
package acquire

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/brian6932/twitch-hls-client/internal/agent"
	"github.com/brian6932/twitch-hls-client/internal/parser"
	"github.com/brian6932/twitch-hls-client/internal/variant"
)

const (
	usherBase        = "https://usher.ttvnw.net/api/channel/hls/"
	channelPlacehold = "[channel]"
)

// ErrOffline is returned when the channel is not live: the access token
// response carries no token, or the usher master playlist request came back
// 404. fromProxy also returns it when every proxy server failed; Resolve
// then falls back to direct acquisition.
var ErrOffline = errors.New("channel is offline")

// Config carries the acquisition inputs from the embedding program.
type Config struct {
	Channel    string
	Quality    string
	Codecs     []string
	Servers    []string
	NeverProxy []string
	ClientID   string
	AuthToken  string
	LowLatency bool
}

// Resolver turns a channel name into a media playlist selection.
type Resolver struct {
	agent  *agent.Agent
	cfg    Config
	logger hclog.Logger

	// Endpoint overrides for tests
	gqlURL    string
	oauthURL  string
	usherBase string
}

// New creates a resolver. The logger may be nil.
func New(cfg Config, a *agent.Agent, logger hclog.Logger) *Resolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Resolver{
		agent:     a,
		cfg:       cfg,
		logger:    logger,
		gqlURL:    gqlEndpoint,
		oauthURL:  oauthEndpoint,
		usherBase: usherBase,
	}
}

// Resolve returns the media playlist URL for the configured channel and
// quality, and whether the stream advertises low-latency prefetch segments.
func (r *Resolver) Resolve() (string, bool, error) {
	if len(r.cfg.Servers) > 0 && !r.neverProxy() {
		v, lowLatency, err := r.fromProxy()
		if err == nil {
			return v.URL, lowLatency, nil
		}
		if errors.Is(err, variant.ErrQualityNotFound) {
			return "", false, err
		}
		r.logger.Info("proxy servers exhausted, falling back to Twitch", "error", err)
	}

	v, lowLatency, err := r.fromTwitch()
	if err != nil {
		return "", false, err
	}
	return v.URL, lowLatency, nil
}

func (r *Resolver) neverProxy() bool {
	for _, c := range r.cfg.NeverProxy {
		if strings.EqualFold(c, r.cfg.Channel) {
			return true
		}
	}
	return false
}

// fromProxy tries each playlist server in order, substituting the channel
// placeholder, and uses the first one that returns a well-formed master
// playlist.
func (r *Resolver) fromProxy() (variant.Variant, bool, error) {
	r.logger.Info("fetching playlist (proxy)", "channel", r.cfg.Channel)

	for _, server := range r.cfg.Servers {
		masterURL := strings.ReplaceAll(server, channelPlacehold, url.PathEscape(r.cfg.Channel)) + r.proxyQuery()
		r.logger.Info("using server", "host", hostOf(server))

		body, err := r.agent.GetText(masterURL, nil)
		if err != nil {
			if errors.Is(err, agent.ErrGone) {
				r.logger.Warn("playlist not found, stream offline?", "host", hostOf(server))
			} else {
				r.logger.Warn("playlist server failed", "host", hostOf(server), "error", err)
			}
			continue
		}

		v, lowLatency, err := r.choose(body, masterURL)
		if err != nil {
			if errors.Is(err, variant.ErrQualityNotFound) {
				return variant.Variant{}, false, err
			}
			r.logger.Warn("malformed master playlist from server", "host", hostOf(server), "error", err)
			continue
		}
		return v, lowLatency, nil
	}

	return variant.Variant{}, false, ErrOffline
}

// fromTwitch performs direct acquisition: access token, then the usher
// master playlist parameterized by it.
func (r *Resolver) fromTwitch() (variant.Variant, bool, error) {
	r.logger.Info("fetching playlist", "channel", r.cfg.Channel)

	token, err := r.accessToken()
	if err != nil {
		return variant.Variant{}, false, err
	}

	masterURL := r.usherURL(token)
	body, err := r.agent.GetText(masterURL, nil)
	if err != nil {
		if errors.Is(err, agent.ErrGone) {
			return variant.Variant{}, false, ErrOffline
		}
		return variant.Variant{}, false, fmt.Errorf("failed to fetch master playlist: %w", err)
	}

	return r.choose(body, masterURL)
}

func (r *Resolver) choose(body, masterURL string) (variant.Variant, bool, error) {
	variants, lowLatency, err := parser.ParseMaster([]byte(body), masterURL)
	if err != nil {
		return variant.Variant{}, false, err
	}

	v, err := variant.Select(variants, r.cfg.Quality, r.cfg.Codecs)
	if err != nil {
		return variant.Variant{}, false, err
	}

	r.logger.Info("selected variant",
		"quality", v.Name,
		"resolution", v.Resolution,
		"codecs", v.Codecs,
	)
	return v, lowLatency && r.cfg.LowLatency, nil
}

func (r *Resolver) usherURL(token *accessToken) string {
	query := url.Values{}
	query.Set("acmb", "e30=")
	query.Set("allow_source", "true")
	query.Set("allow_audio_only", "true")
	query.Set("fast_bread", fmt.Sprintf("%t", r.cfg.LowLatency))
	query.Set("warp", fmt.Sprintf("%t", r.cfg.LowLatency))
	query.Set("playlist_include_framerate", "true")
	query.Set("player_backend", "mediaplayer")
	query.Set("reassignments_supported", "true")
	query.Set("supported_codecs", strings.Join(r.cfg.Codecs, ","))
	query.Set("transcode_mode", "cbr_v1")
	query.Set("p", fmt.Sprintf("%d", rand.Intn(10_000_000)))
	query.Set("play_session_id", token.PlaySessionID)
	query.Set("sig", token.Signature)
	query.Set("token", token.Value)
	query.Set("platform", "web")

	return r.usherBase + url.PathEscape(r.cfg.Channel) + ".m3u8?" + query.Encode()
}

// proxyQuery is the query string appended to proxy server URLs after
// channel substitution.
func (r *Resolver) proxyQuery() string {
	query := url.Values{}
	query.Set("allow_source", "true")
	query.Set("allow_audio_only", "true")
	query.Set("fast_bread", fmt.Sprintf("%t", r.cfg.LowLatency))
	query.Set("warp", fmt.Sprintf("%t", r.cfg.LowLatency))
	query.Set("supported_codecs", strings.Join(r.cfg.Codecs, ","))
	query.Set("platform", "web")

	return "?" + query.Encode()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "<unknown>"
	}
	return u.Scheme + "://" + u.Host
}

// header builds the auth-capable header set for Twitch API requests.
func (r *Resolver) header(clientID string) http.Header {
	h := http.Header{}
	if clientID != "" {
		h.Set("Client-Id", clientID)
	}
	if r.cfg.AuthToken != "" {
		h.Set("Authorization", "OAuth "+r.cfg.AuthToken)
	}
	return h
}
