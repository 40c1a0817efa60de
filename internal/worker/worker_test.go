package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brian6932/twitch-hls-client/internal/agent"
	"github.com/brian6932/twitch-hls-client/internal/pump"
	"github.com/brian6932/twitch-hls-client/internal/selector"
)

func testAgent() *agent.Agent {
	return agent.New(agent.Config{Retries: 0, Timeout: 2 * time.Second}, nil)
}

// streamServer serves a scripted sequence of playlist refreshes plus the
// segments they reference.
type streamServer struct {
	*httptest.Server
	refreshes atomic.Int32
	playlists []string
}

func newStreamServer(playlists ...string) *streamServer {
	s := &streamServer{playlists: playlists}
	mux := http.NewServeMux()
	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		n := int(s.refreshes.Add(1)) - 1
		if n >= len(s.playlists) {
			n = len(s.playlists) - 1
		}
		if s.playlists[n] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(s.playlists[n]))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Segment bodies carry their own path so the sink order is
		// observable
		w.Write([]byte(r.URL.Path + ";"))
	})
	s.Server = httptest.NewServer(mux)
	return s
}

func newTestWorker(cfg Config, sink io.Writer) *Worker {
	a := testAgent()
	w := New(cfg, a, pump.New(a, sink, nil), nil)
	w.sleep = func(context.Context, time.Duration) {}
	return w
}

func TestRun_HappyPath(t *testing.T) {
	server := newStreamServer(
		"#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:2.0,\n/seg10.ts\n#EXTINF:2.0,\n/seg11.ts\n#EXTINF:2.0,\n/seg12.ts\n",
		"#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:11\n#EXTINF:2.0,\n/seg11.ts\n#EXTINF:2.0,\n/seg12.ts\n#EXTINF:2.0,\n/seg13.ts\n",
		"#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:12\n#EXTINF:2.0,\n/seg12.ts\n#EXTINF:2.0,\n/seg13.ts\n#EXTINF:2.0,\n/seg14.ts\n#EXT-X-ENDLIST\n",
	)
	defer server.Close()

	var sink bytes.Buffer
	w := newTestWorker(Config{PlaylistURL: server.URL + "/playlist.m3u8"}, &sink)

	err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected clean end of stream, got %v", err)
	}
	if Classify(err) != Ok {
		t.Errorf("Expected Ok, got %v", Classify(err))
	}

	want := "/seg12.ts;/seg13.ts;/seg14.ts;"
	if sink.String() != want {
		t.Errorf("Expected sink %q, got %q", want, sink.String())
	}
}

func TestRun_ChannelOffline(t *testing.T) {
	server := newStreamServer(
		"#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:2.0,\n/seg10.ts\n",
		"", // 404 on the second refresh
	)
	defer server.Close()

	var sink bytes.Buffer
	w := newTestWorker(Config{PlaylistURL: server.URL + "/playlist.m3u8"}, &sink)

	err := w.Run(context.Background())
	if err == nil {
		t.Fatal("Expected a terminal error for the gone playlist")
	}
	if got := Classify(err); got != ChannelOffline {
		t.Fatalf("Expected ChannelOffline, got %v", got)
	}
	if !Classify(err).Success() {
		t.Error("Expected ChannelOffline to be a successful exit")
	}
	if sink.String() != "/seg10.ts;" {
		t.Errorf("Expected the first segment written before the channel went offline, got %q", sink.String())
	}
}

func TestRun_Stalled(t *testing.T) {
	same := "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:2.0,\n/seg10.ts\n"
	server := newStreamServer(same, same)
	defer server.Close()

	var sink bytes.Buffer
	w := newTestWorker(Config{
		PlaylistURL: server.URL + "/playlist.m3u8",
		Selector:    selector.Config{MaxEmptyRefreshes: 3},
	}, &sink)

	err := w.Run(context.Background())
	if !errors.Is(err, selector.ErrStalled) {
		t.Fatalf("Expected ErrStalled, got %v", err)
	}
	if got := Classify(err); got != StreamStalled {
		t.Errorf("Expected StreamStalled, got %v", got)
	}
}

// closedSink fails every write like a closed player stdin.
type closedSink struct{}

func (closedSink) Write([]byte) (int, error) {
	return 0, fmt.Errorf("write |1: %w", io.ErrClosedPipe)
}

func TestRun_DownstreamClosed(t *testing.T) {
	server := newStreamServer(
		"#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:2.0,\n/seg10.ts\n",
	)
	defer server.Close()

	w := newTestWorker(Config{PlaylistURL: server.URL + "/playlist.m3u8"}, closedSink{})

	err := w.Run(context.Background())
	if !errors.Is(err, pump.ErrDownstreamClosed) {
		t.Fatalf("Expected ErrDownstreamClosed, got %v", err)
	}
	if got := Classify(err); got != Ok {
		t.Errorf("Expected downstream-closed to classify Ok, got %v", got)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	server := newStreamServer(
		"#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:2.0,\n/seg10.ts\n",
	)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sink bytes.Buffer
	w := newTestWorker(Config{PlaylistURL: server.URL + "/playlist.m3u8"}, &sink)

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Expected graceful shutdown, got %v", err)
	}
}

func TestCadence(t *testing.T) {
	var sink bytes.Buffer
	w := newTestWorker(Config{}, &sink)

	// Clamped to the maximum for long target durations
	if got := w.cadence(10); got != defaultMaxCadence {
		t.Errorf("Expected max cadence clamp, got %v", got)
	}
	// Clamped to the minimum for tiny target durations
	if got := w.cadence(0.1); got != defaultMinCadence {
		t.Errorf("Expected min cadence clamp, got %v", got)
	}
	// Plain target duration in between
	if got := w.cadence(2); got != 2*time.Second {
		t.Errorf("Expected 2s cadence, got %v", got)
	}
}

func TestCadence_LowLatencyHalves(t *testing.T) {
	server := newStreamServer(
		"#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:2.0,\n/seg10.ts\n#EXT-X-TWITCH-PREFETCH:/seg11.ts\n",
	)
	defer server.Close()

	var sink bytes.Buffer
	w := newTestWorker(Config{
		PlaylistURL: server.URL + "/playlist.m3u8",
		LowLatency:  true,
	}, &sink)

	pl, err := w.refresh()
	if err != nil {
		t.Fatalf("Expected refresh to succeed, got %v", err)
	}
	if err := w.sel.OnPlaylist(pl); err != nil {
		t.Fatalf("Expected playlist accepted, got %v", err)
	}
	if !w.sel.LowLatency() {
		t.Fatal("Expected low-latency stream")
	}
	if got := w.cadence(4); got != 2*time.Second {
		t.Errorf("Expected half target duration for low latency, got %v", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Exit
	}{
		{nil, Ok},
		{pump.ErrDownstreamClosed, Ok},
		{agent.ErrGone, ChannelOffline},
		{selector.ErrStalled, StreamStalled},
		{agent.ErrForbiddenByPolicy, ForbiddenByPolicy},
		{selector.ErrRefreshExhausted, NetworkExhausted},
		{agent.ErrExhausted, NetworkExhausted},
		{errors.New("anything else"), NetworkExhausted},
	}

	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v): expected %v, got %v", tc.err, tc.want, got)
		}
	}
}
