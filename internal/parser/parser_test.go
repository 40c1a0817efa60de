package parser

import (
	"strings"
	"testing"

	"github.com/brian6932/twitch-hls-client/internal/segment"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-TWITCH-ELAPSED-SECS:123.456
#EXT-X-TWITCH-TOTAL-SECS:130.000
#EXTINF:2.000,
https://example.com/seg100.ts
#EXTINF:2.000,
https://example.com/seg101.ts
#EXTINF:1.500,
seg102.ts
#EXT-X-TWITCH-PREFETCH:https://example.com/seg103.ts
#EXT-X-TWITCH-PREFETCH:https://example.com/seg104.ts
`

func TestParseMedia_Segments(t *testing.T) {
	pl, err := ParseMedia([]byte(mediaPlaylist), "https://example.com/playlist.m3u8", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(pl.Segments) != 5 {
		t.Fatalf("Expected 5 segments, got %d", len(pl.Segments))
	}

	if !pl.LowLatency {
		t.Error("Expected low-latency playlist")
	}
	if pl.Ended {
		t.Error("Expected live playlist, got end marker")
	}
	if pl.TargetDuration != 6 {
		t.Errorf("Expected target duration 6, got %f", pl.TargetDuration)
	}

	want := []struct {
		seq  uint64
		url  string
		kind segment.Kind
	}{
		{100, "https://example.com/seg100.ts", segment.Normal},
		{101, "https://example.com/seg101.ts", segment.Normal},
		{102, "https://example.com/seg102.ts", segment.Normal},
		{103, "https://example.com/seg103.ts", segment.Prefetch},
		{104, "https://example.com/seg104.ts", segment.Prefetch},
	}
	for i, w := range want {
		got := pl.Segments[i]
		if got.Sequence != w.seq {
			t.Errorf("Segment %d: expected sequence %d, got %d", i, w.seq, got.Sequence)
		}
		if got.URL != w.url {
			t.Errorf("Segment %d: expected URL %s, got %s", i, w.url, got.URL)
		}
		if got.Kind != w.kind {
			t.Errorf("Segment %d: expected kind %v, got %v", i, w.kind, got.Kind)
		}
	}

	// Prefetch segments inherit the last advertised duration
	if pl.Segments[3].Duration != 1.5 {
		t.Errorf("Expected prefetch duration 1.5, got %f", pl.Segments[3].Duration)
	}

	// Relative URL resolved against the playlist URL
	if pl.Segments[2].URL != "https://example.com/seg102.ts" {
		t.Errorf("Expected resolved relative URL, got %s", pl.Segments[2].URL)
	}
}

func TestParseMedia_CRLFAndUnknownTags(t *testing.T) {
	crlf := strings.ReplaceAll(mediaPlaylist, "\n", "\r\n")

	pl, err := ParseMedia([]byte(crlf), "https://example.com/playlist.m3u8", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	base, err := ParseMedia([]byte(mediaPlaylist), "https://example.com/playlist.m3u8", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(pl.Segments) != len(base.Segments) {
		t.Fatalf("Expected %d segments with CRLF endings, got %d", len(base.Segments), len(pl.Segments))
	}
	for i := range pl.Segments {
		if pl.Segments[i] != base.Segments[i] {
			t.Errorf("Segment %d differs across line endings: %+v vs %+v", i, pl.Segments[i], base.Segments[i])
		}
	}
}

func TestParseMedia_NoPrefetchWhenDisabled(t *testing.T) {
	pl, err := ParseMedia([]byte(mediaPlaylist), "https://example.com/playlist.m3u8", false)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(pl.Segments) != 3 {
		t.Fatalf("Expected 3 segments without prefetch, got %d", len(pl.Segments))
	}
	if pl.LowLatency {
		t.Error("Expected low-latency flag unset when prefetch is disabled")
	}
}

func TestParseMedia_TwitchLiveSequence(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:5
#EXT-X-TWITCH-LIVE-SEQUENCE:500
#EXTINF:2.000,
seg0.ts
#EXTINF:2.000,
seg1.ts
`
	pl, err := ParseMedia([]byte(playlist), "https://example.com/playlist.m3u8", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if pl.Segments[0].Sequence != 500 {
		t.Errorf("Expected live sequence 500 to win over media sequence, got %d", pl.Segments[0].Sequence)
	}
	if pl.Segments[1].Sequence != 501 {
		t.Errorf("Expected second segment at 501, got %d", pl.Segments[1].Sequence)
	}
}

func TestParseMedia_EndList(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXTINF:2.000,
seg0.ts
#EXT-X-ENDLIST
`
	pl, err := ParseMedia([]byte(playlist), "https://example.com/playlist.m3u8", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !pl.Ended {
		t.Error("Expected end marker")
	}
}

func TestParseMedia_AdMarker(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXTINF:2.000,live
seg0.ts
#EXTINF:2.000,Amazon|123456789
seg1.ts
`
	pl, err := ParseMedia([]byte(playlist), "https://example.com/playlist.m3u8", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if pl.Segments[0].Ad {
		t.Error("Expected first segment not flagged as ad")
	}
	if !pl.Segments[1].Ad {
		t.Error("Expected second segment flagged as ad")
	}
}

func TestParseMedia_TargetDurationFallback(t *testing.T) {
	playlist := `#EXTM3U
#EXTINF:3.000,
seg0.ts
#EXTINF:5.000,
seg1.ts
`
	pl, err := ParseMedia([]byte(playlist), "https://example.com/playlist.m3u8", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if pl.TargetDuration < 5 {
		t.Errorf("Expected fallback target duration >= 5, got %f", pl.TargetDuration)
	}
}

func TestParseMedia_MapURI(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MAP:URI="init.mp4"
#EXTINF:2.000,
seg0.ts
`
	pl, err := ParseMedia([]byte(playlist), "https://example.com/playlist.m3u8", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if pl.MapURI != "https://example.com/init.mp4" {
		t.Errorf("Expected resolved map URI, got %q", pl.MapURI)
	}
}
