package acquire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/brian6932/twitch-hls-client/internal/agent"
)

const (
	gqlEndpoint   = "https://gql.twitch.tv/gql"
	oauthEndpoint = "https://id.twitch.tv/oauth2/validate"

	// Client id of the web player, used when neither -client-id nor an
	// auth token is supplied
	defaultClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

	// Persisted query hash of the PlaybackAccessToken operation
	accessTokenHash = "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712"
)

// accessToken is the signed blob the usher request must carry.
type accessToken struct {
	Value         string
	Signature     string
	PlaySessionID string
}

type gqlRequest struct {
	OperationName string        `json:"operationName"`
	Extensions    gqlExtensions `json:"extensions"`
	Variables     gqlVariables  `json:"variables"`
}

type gqlExtensions struct {
	PersistedQuery gqlPersistedQuery `json:"persistedQuery"`
}

type gqlPersistedQuery struct {
	SHA256Hash string `json:"sha256Hash"`
	Version    int    `json:"version"`
}

type gqlVariables struct {
	IsLive     bool   `json:"isLive"`
	IsVod      bool   `json:"isVod"`
	Login      string `json:"login"`
	PlayerType string `json:"playerType"`
	VodID      string `json:"vodID"`
}

type gqlResponse struct {
	Data struct {
		StreamPlaybackAccessToken *struct {
			Value     string `json:"value"`
			Signature string `json:"signature"`
		} `json:"streamPlaybackAccessToken"`
	} `json:"data"`
}

// accessToken obtains a stream playback access token for the channel via
// Twitch's GraphQL endpoint.
func (r *Resolver) accessToken() (*accessToken, error) {
	clientID, err := r.clientID()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(gqlRequest{
		OperationName: "PlaybackAccessToken",
		Extensions: gqlExtensions{
			PersistedQuery: gqlPersistedQuery{
				SHA256Hash: accessTokenHash,
				Version:    1,
			},
		},
		Variables: gqlVariables{
			IsLive:     true,
			Login:      r.cfg.Channel,
			PlayerType: "site",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode access token request: %w", err)
	}

	header := r.header(clientID)
	header.Set("Content-Type", "text/plain;charset=UTF-8")
	header.Set("X-Device-Id", genID())

	body, err := r.agent.PostText(r.gqlURL, string(payload), header)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch access token: %w", err)
	}
	r.logger.Debug("gql response", "body", body)

	var resp gqlResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode access token response: %w", err)
	}
	if resp.Data.StreamPlaybackAccessToken == nil || resp.Data.StreamPlaybackAccessToken.Value == "" {
		return nil, ErrOffline
	}

	return &accessToken{
		Value:         resp.Data.StreamPlaybackAccessToken.Value,
		Signature:     resp.Data.StreamPlaybackAccessToken.Signature,
		PlaySessionID: genID(),
	}, nil
}

// clientID picks the client id in preference order: the -client-id flag,
// the id bound to the auth token, then the web player default.
func (r *Resolver) clientID() (string, error) {
	if r.cfg.ClientID != "" {
		return r.cfg.ClientID, nil
	}
	if r.cfg.AuthToken == "" {
		return defaultClientID, nil
	}

	body, err := r.agent.GetText(r.oauthURL, r.header(""))
	if err != nil {
		if errors.Is(err, agent.ErrForbiddenByPolicy) {
			return "", err
		}
		return "", fmt.Errorf("failed to validate auth token: %w", err)
	}

	var resp struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return "", fmt.Errorf("failed to decode auth token validation: %w", err)
	}
	if resp.ClientID == "" {
		return "", fmt.Errorf("auth token validation returned no client id")
	}
	return resp.ClientID, nil
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// genID produces the 32-character alphanumeric ids Twitch expects for
// device and play session identifiers.
func genID() string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}
