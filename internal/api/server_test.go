package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/mboers/dyad/internal/call"
	"github.com/mboers/dyad/internal/history"
	"github.com/mboers/dyad/internal/media"
	"github.com/mboers/dyad/internal/signal"
)

type stubTrack struct {
	kind media.TrackKind
}

func (t *stubTrack) ID() string { return string(t.kind) }
func (t *stubTrack) Kind() media.TrackKind { return t.kind }
func (t *stubTrack) SetEnabled(bool) {}
func (t *stubTrack) Local() webrtc.TrackLocal { return nil }
func (t *stubTrack) Close() error { return nil }

type stubStream struct {
	tracks []media.Track
}

func (s *stubStream) Tracks() []media.Track { return s.tracks }
func (s *stubStream) Close() error { return nil }

func (s *stubStream) AudioTrack() media.Track {
	for _, t := range s.tracks {
		if t.Kind() == media.TrackAudio {
			return t
		}
	}
	return nil
}

func (s *stubStream) VideoTrack() media.Track {
	for _, t := range s.tracks {
		if t.Kind() == media.TrackVideo {
			return t
		}
	}
	return nil
}

type stubCapturer struct {
	fail bool
}

func (c *stubCapturer) Acquire(media.Kind) (media.Stream, error) {
	if c.fail {
		return nil, media.ErrNoDevice
	}
	return &stubStream{tracks: []media.Track{
		&stubTrack{kind: media.TrackAudio},
		&stubTrack{kind: media.TrackVideo},
	}}, nil
}

func (c *stubCapturer) AcquireScreen() (media.Stream, error) {
	return nil, media.ErrNoDevice
}

type stubEngine struct{}

func (stubEngine) ApplyRemoteDescription(string) error { return nil }
func (stubEngine) SetOutgoingEnabled(media.TrackKind, bool) error { return nil }
func (stubEngine) ReplaceOutgoingVideoTrack(media.Track) error { return nil }
func (stubEngine) Close() {}

type stubHistory struct{}

func (stubHistory) AppendLogEntry(string, call.LogEntry) error { return nil }

func newTestServer(t *testing.T, caps media.Capturer) (*Server, *httptest.Server, *history.Store) {
	t.Helper()

	hist, err := history.Open(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	factory := func(call.Role, media.Stream, call.EngineEvents) (call.Engine, error) {
		return stubEngine{}, nil
	}
	self := call.Identity{ID: "peer-a", DisplayName: "Alice"}
	mgr := call.NewManager(signal.NewMemory(), stubHistory{}, caps, factory, self, call.DefaultTimeouts())
	t.Cleanup(mgr.Close)

	s := New("127.0.0.1:0", mgr, hist, mgr.Identity)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { s.stopEvents() })

	return s, ts, hist
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSelfEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubCapturer{})

	resp, err := http.Get(ts.URL + "/api/self")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["id"] != "peer-a" || got["display_name"] != "Alice" {
		t.Fatalf("self = %v", got)
	}
}

func TestStartCallEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubCapturer{})

	resp := postJSON(t, ts.URL+"/api/call/start", map[string]string{
		"conversation_id": "conv-1",
		"remote_label":    "Bob",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	stateResp, err := http.Get(ts.URL + "/api/call/state?conversation_id=conv-1")
	if err != nil {
		t.Fatal(err)
	}
	defer stateResp.Body.Close()
	var snap call.Snapshot
	if err := json.NewDecoder(stateResp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != call.StateCalling || snap.OtherParty != "Bob" {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Second start on the same conversation conflicts.
	resp = postJSON(t, ts.URL+"/api/call/start", map[string]string{
		"conversation_id": "conv-1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start status = %d, want 409", resp.StatusCode)
	}
}

func TestStartCallWithoutCaptureConflicts(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubCapturer{fail: true})

	resp := postJSON(t, ts.URL+"/api/call/start", map[string]string{
		"conversation_id": "conv-1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCallStateNotFound(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubCapturer{})

	resp, err := http.Get(ts.URL + "/api/call/state?conversation_id=conv-nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	_, ts, hist := newTestServer(t, &stubCapturer{})

	if err := hist.AppendLogEntry("conv-1", history.Entry{
		AuthorID: "peer-a",
		Kind:     "missed-call",
		Text:     "Missed call",
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/history?conversation_id=conv-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var entries []history.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != "missed-call" {
		t.Fatalf("entries = %+v", entries)
	}

	missing, err := http.Get(ts.URL + "/api/history")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", missing.StatusCode)
	}
}

func TestWrongMethodRejected(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubCapturer{})

	resp := postJSON(t, ts.URL+"/api/self", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/self status = %d, want 405", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/call/hangup")
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/call/hangup status = %d, want 405", getResp.StatusCode)
	}
}
