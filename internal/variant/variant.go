// Package variant defines data structures for HLS variant streams in master
// playlists and the quality/codec selection over them.
package variant

import (
	"errors"
	"strings"
)

// ErrQualityNotFound is returned when no variant matches the requested
// quality. An empty variant list on an otherwise valid master playlist is
// reported the same way.
var ErrQualityNotFound = errors.New("quality not found in master playlist")

// Variant represents a single variant stream in an HLS master playlist.
// Each variant typically represents a different quality level (bitrate/resolution).
type Variant struct {
	// Name is the user-facing quality tag (e.g. "720p60"), taken from the
	// EXT-X-MEDIA rendition the variant references
	Name string

	// Group is the VIDEO group id from EXT-X-STREAM-INF
	Group string

	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080", "1280x720")
	// Empty string if not specified in master playlist
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string

	// FrameRate is the advertised frame rate, 0 if not specified
	FrameRate float64

	// URL is the URL of the variant's media playlist
	URL string
}

// codecPrefixes maps the user-supplied codec names to RFC 6381 codec string
// prefixes as Twitch advertises them.
var codecPrefixes = map[string][]string{
	"av1":  {"av01"},
	"h265": {"hvc1", "hev1"},
	"h264": {"avc1"},
}

// Select picks the variant for the requested quality. The pseudo-qualities
// "best" and "worst" map to the first and last variant. A literal quality
// matches the variant name or group exactly, falling back to a prefix match
// so "720p" selects "720p60" when only the latter exists. When several
// renditions of the same quality differ only by codec, the first codec in
// preference order wins.
func Select(variants []Variant, quality string, codecPreference []string) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, ErrQualityNotFound
	}

	var matches []Variant
	switch quality {
	case "", "best":
		matches = sameQuality(variants, variants[0])
	case "worst":
		matches = sameQuality(variants, variants[len(variants)-1])
	default:
		for _, v := range variants {
			if v.Name == quality || v.Group == quality {
				matches = append(matches, v)
			}
		}
		if len(matches) == 0 {
			for _, v := range variants {
				if strings.HasPrefix(v.Name, quality) || strings.HasPrefix(v.Group, quality) {
					matches = append(matches, v)
				}
			}
		}
	}

	if len(matches) == 0 {
		return Variant{}, ErrQualityNotFound
	}

	return pickCodec(matches, codecPreference), nil
}

// sameQuality widens a single pick to every rendition sharing its quality
// tag, so codec preference still applies to best/worst.
func sameQuality(variants []Variant, pick Variant) []Variant {
	if pick.Name == "" {
		return []Variant{pick}
	}
	var matches []Variant
	for _, v := range variants {
		if v.Name == pick.Name {
			matches = append(matches, v)
		}
	}
	if len(matches) == 0 {
		return []Variant{pick}
	}
	return matches
}

func pickCodec(matches []Variant, preference []string) Variant {
	for _, want := range preference {
		prefixes, ok := codecPrefixes[strings.ToLower(strings.TrimSpace(want))]
		if !ok {
			continue
		}
		for _, v := range matches {
			for _, prefix := range prefixes {
				if strings.HasPrefix(v.Codecs, prefix) {
					return v
				}
			}
		}
	}
	return matches[0]
}
