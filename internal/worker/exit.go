package worker

import (
	"errors"

	"github.com/brian6932/twitch-hls-client/internal/acquire"
	"github.com/brian6932/twitch-hls-client/internal/agent"
	"github.com/brian6932/twitch-hls-client/internal/pump"
	"github.com/brian6932/twitch-hls-client/internal/selector"
	"github.com/brian6932/twitch-hls-client/internal/variant"
)

// Exit identifies why a run finished. The embedder maps it to an exit code
// and user-facing output.
type Exit int

const (
	// Ok is a clean end of stream or the player closing its stdin.
	Ok Exit = iota

	// ChannelOffline means the channel was not or is no longer live.
	// Terminal but successful.
	ChannelOffline

	// QualityNotFound means no variant matched the requested quality.
	QualityNotFound

	// StreamStalled means the playlist stopped producing new segments.
	StreamStalled

	// NetworkExhausted means the retry and refresh-failure budgets ran out.
	NetworkExhausted

	// ForbiddenByPolicy means a request violated force-https.
	ForbiddenByPolicy
)

func (e Exit) String() string {
	switch e {
	case Ok:
		return "ok"
	case ChannelOffline:
		return "channel offline"
	case QualityNotFound:
		return "quality not found"
	case StreamStalled:
		return "stream stalled"
	case NetworkExhausted:
		return "network exhausted"
	case ForbiddenByPolicy:
		return "forbidden by policy"
	}
	return "unknown"
}

// Success reports whether the exit is a non-error condition.
func (e Exit) Success() bool {
	return e == Ok || e == ChannelOffline
}

// Classify maps a terminal error from acquisition or the run loop to its
// exit class. A nil error is Ok.
func Classify(err error) Exit {
	switch {
	case err == nil:
		return Ok
	case errors.Is(err, pump.ErrDownstreamClosed):
		return Ok
	case errors.Is(err, acquire.ErrOffline), errors.Is(err, agent.ErrGone):
		return ChannelOffline
	case errors.Is(err, variant.ErrQualityNotFound):
		return QualityNotFound
	case errors.Is(err, selector.ErrStalled):
		return StreamStalled
	case errors.Is(err, agent.ErrForbiddenByPolicy):
		return ForbiddenByPolicy
	case errors.Is(err, selector.ErrRefreshExhausted), errors.Is(err, agent.ErrExhausted):
		return NetworkExhausted
	}
	return NetworkExhausted
}
