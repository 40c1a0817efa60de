package parser

import (
	"bytes"
	"fmt"

	"github.com/grafov/m3u8"

	"github.com/brian6932/twitch-hls-client/internal/variant"
)

// ParseMaster parses a master playlist into its variant list. The returned
// low-latency flag reflects Twitch's FUTURE marker, which advertises that
// the variants carry prefetch segments.
func ParseMaster(data []byte, masterURL string) ([]variant.Variant, bool, error) {
	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, false, fmt.Errorf("expected master playlist, got media playlist")
	}

	master, ok := decoded.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, false, fmt.Errorf("unexpected playlist type")
	}

	var variants []variant.Variant
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}

		variantURL, err := resolveURL(masterURL, v.URI)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		// The user-facing quality tag lives on the EXT-X-MEDIA rendition
		// whose group the variant references
		name := v.Video
		for _, alt := range v.Alternatives {
			if alt != nil && alt.GroupId == v.Video && alt.Name != "" {
				name = alt.Name
				break
			}
		}

		variants = append(variants, variant.Variant{
			Name:       name,
			Group:      v.Video,
			Bandwidth:  int(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			FrameRate:  v.FrameRate,
			URL:        variantURL,
		})
	}

	lowLatency := bytes.Contains(data, []byte(`FUTURE="true"`))
	return variants, lowLatency, nil
}
