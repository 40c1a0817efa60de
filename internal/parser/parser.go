// Package parser provides HLS playlist parsing functionality.
//
// Standard tags are decoded with grafov/m3u8; Twitch's low-latency
// extensions (#EXT-X-TWITCH-PREFETCH, #EXT-X-TWITCH-LIVE-SEQUENCE) are not
// part of any HLS revision, so they are layered on by a line scan over the
// same bytes.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/brian6932/twitch-hls-client/internal/segment"
)

const (
	twitchPrefetchTag = "#EXT-X-TWITCH-PREFETCH:"
	llhlsPrefetchTag  = "#EXT-X-PREFETCH:"
	twitchLiveSeqTag  = "#EXT-X-TWITCH-LIVE-SEQUENCE:"
)

// MediaPlaylist is one parsed refresh of a variant's media playlist.
type MediaPlaylist struct {
	// Segments in playlist order, Normal first, then Prefetch
	Segments []segment.Segment

	// TargetDuration is the server's upper bound on segment length in
	// seconds; the refresh cadence derives from it
	TargetDuration float64

	// Ended is set when the playlist carries #EXT-X-ENDLIST
	Ended bool

	// LowLatency is set when at least one prefetch segment is present
	LowLatency bool

	// MapURI is the #EXT-X-MAP initialization section, written once ahead
	// of the first segment on av1/h265 streams. Empty when absent.
	MapURI string
}

// ParseMedia parses the UTF-8 text of a media playlist. Relative segment
// URLs are resolved against playlistURL. When allowPrefetch is false,
// prefetch tags are ignored and only the Normal-segment path remains.
func ParseMedia(data []byte, playlistURL string, allowPrefetch bool) (*MediaPlaylist, error) {
	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse media playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist, got master playlist")
	}

	media, ok := decoded.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	out := &MediaPlaylist{
		TargetDuration: media.TargetDuration,
		Ended:          media.Closed,
	}

	if media.Map != nil && media.Map.URI != "" {
		mapURI, err := resolveURL(playlistURL, media.Map.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve map URI: %w", err)
		}
		out.MapURI = mapURI
	}

	baseSeq := media.SeqNo
	if liveSeq, ok := scanLiveSequence(data); ok {
		baseSeq = liveSeq
	}

	var lastDuration float64
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}

		segmentURL, err := resolveURL(playlistURL, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		lastDuration = seg.Duration
		out.Segments = append(out.Segments, segment.Segment{
			URL:      segmentURL,
			Duration: seg.Duration,
			Sequence: baseSeq + uint64(i),
			Kind:     segment.Normal,
			Ad:       strings.Contains(seg.Title, "|"),
		})
	}

	if allowPrefetch {
		next := baseSeq + uint64(len(out.Segments))
		for _, rawURL := range scanPrefetch(data) {
			prefetchURL, err := resolveURL(playlistURL, rawURL)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve prefetch URL: %w", err)
			}

			out.Segments = append(out.Segments, segment.Segment{
				URL:      prefetchURL,
				Duration: lastDuration,
				Sequence: next,
				Kind:     segment.Prefetch,
			})
			next++
			out.LowLatency = true
		}
	}

	if out.TargetDuration == 0 {
		// Fall back to the longest advertised segment plus one second
		for _, s := range out.Segments {
			if s.Duration > out.TargetDuration {
				out.TargetDuration = s.Duration
			}
		}
		out.TargetDuration++
	}

	return out, nil
}

// scanPrefetch collects prefetch segment URLs in playlist order. Both the
// Twitch tag and the generic LLHLS spelling are accepted.
func scanPrefetch(data []byte) []string {
	var urls []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, twitchPrefetchTag):
			urls = append(urls, strings.TrimSpace(line[len(twitchPrefetchTag):]))
		case strings.HasPrefix(line, llhlsPrefetchTag):
			urls = append(urls, strings.TrimSpace(line[len(llhlsPrefetchTag):]))
		}
	}
	return urls
}

// scanLiveSequence returns the #EXT-X-TWITCH-LIVE-SEQUENCE value if present.
// It takes precedence over #EXT-X-MEDIA-SEQUENCE for numbering.
func scanLiveSequence(data []byte) (uint64, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, twitchLiveSeqTag) {
			n, err := strconv.ParseUint(strings.TrimSpace(line[len(twitchLiveSeqTag):]), 10, 64)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
