package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/kwp1281-tool/internal/autobaud"
	"github.com/shaunagostinho/kwp1281-tool/internal/kwp"
	"github.com/shaunagostinho/kwp1281-tool/internal/runner"
	"github.com/shaunagostinho/kwp1281-tool/internal/unlock"
)

// gateLine blocks address init until release is closed.
type gateLine struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGateLine(open bool) *gateLine {
	l := &gateLine{entered: make(chan struct{}), release: make(chan struct{})}
	if open {
		close(l.release)
	}
	return l
}

func (l *gateLine) AddressInit(ctx context.Context, addr byte) error {
	l.once.Do(func() { close(l.entered) })
	select {
	case <-l.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *gateLine) SetBaud(baud uint32) error { return nil }

type fixedSync struct{ baud uint32 }

func (s fixedSync) Synchronize(time.Duration) autobaud.Outcome {
	return autobaud.Outcome{Status: autobaud.StatusSuccess, ActualBaud: s.baud, NormalizedBaud: s.baud, Edges: 5}
}

func newTestServer(t *testing.T, line runner.Line, preset string) (*Server, *Config) {
	t.Helper()
	clearEnv(t)
	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	cfg.Logging.Path = t.TempDir()

	p := kwp.DemoPresets[preset]
	sessions := func(baud uint32) (kwp.Session, kwp.Technisat, error) {
		radio := kwp.NewDemoRadio(p)
		return radio, radio.Technisat(), nil
	}
	r := runner.New(runner.Config{Port: "demo"}, line, fixedSync{p.Baud}, sessions)
	web := fstest.MapFS{"index.html": {Data: []byte("<html>console</html>")}}
	return New(cfg, r, web), cfg
}

func getAttempts(t *testing.T, h http.Handler) []*runner.Attempt {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/attempts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/attempts = %d", rec.Code)
	}
	var out []*runner.Attempt
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode attempts: %v", err)
	}
	return out
}

func TestUnlockRecordsAttempt(t *testing.T) {
	s, _ := newTestServer(t, newGateLine(true), "premium5")
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/unlock", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/unlock = %d, want 202", rec.Code)
	}
	s.Wait()

	got := getAttempts(t, h)
	if len(got) != 1 {
		t.Fatalf("got %d attempts, want 1", len(got))
	}
	a := got[0]
	if a.Report == nil || a.Report.Family != unlock.FamilyPremium5Delco || a.Report.SafeCode != 0x4711 {
		t.Errorf("report = %+v", a.Report)
	}
	if a.Sync.Status != autobaud.StatusSuccess || a.Sync.NormalizedBaud != 10400 {
		t.Errorf("sync = %+v", a.Sync)
	}
}

func TestUnlockBusy(t *testing.T) {
	line := newGateLine(false)
	s, _ := newTestServer(t, line, "premium4")
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/unlock", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first POST = %d", rec.Code)
	}
	<-line.entered

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/unlock", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("second POST = %d, want 409", rec.Code)
	}
	if !s.status().Busy {
		t.Error("status not busy during attempt")
	}

	close(line.release)
	s.Wait()
	if s.status().Busy {
		t.Error("status still busy after attempt")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, newGateLine(true), "premium4")
	tests := []struct{ method, path string }{
		{http.MethodGet, "/api/unlock"},
		{http.MethodPost, "/api/attempts"},
		{http.MethodPost, "/api/ports"},
		{http.MethodDelete, "/api/config"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tt.method, tt.path, rec.Code)
		}
	}
}

func TestHistoryPersists(t *testing.T) {
	s, cfg := newTestServer(t, newGateLine(true), "rhapsody")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/unlock", nil))
	s.Wait()

	r := runner.New(runner.Config{}, newGateLine(true), fixedSync{9600}, nil)
	again := New(cfg, r, nil)
	got := getAttempts(t, again.Handler())
	if len(got) != 1 {
		t.Fatalf("reloaded %d attempts, want 1", len(got))
	}
	if got[0].Report == nil || got[0].Report.Family != unlock.FamilyRhapsodyTechnisat {
		t.Errorf("reloaded report = %+v", got[0].Report)
	}
	if got[0].Report.State != unlock.StateDone || got[0].Report.Outcome != unlock.OutcomeRecovered {
		t.Errorf("reloaded state/outcome = %v/%v", got[0].Report.State, got[0].Report.Outcome)
	}
}

func TestHistoryBounded(t *testing.T) {
	s, _ := newTestServer(t, newGateLine(true), "premium4")
	for i := 0; i < maxHistory+5; i++ {
		s.record(&runner.Attempt{Port: "demo", SyncOnly: true})
	}
	if got := getAttempts(t, s.Handler()); len(got) != maxHistory {
		t.Errorf("history = %d, want %d", len(got), maxHistory)
	}
}

func TestConfigAPI(t *testing.T) {
	s, cfg := newTestServer(t, newGateLine(true), "premium4")
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"preset":"premium5"`) {
		t.Fatalf("GET /api/config = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"radio":{"preset":"gamma5"},"logging":{"enabled":true}}`)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/config", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/config = %d %s", rec.Code, rec.Body.String())
	}
	if cfg.Radio.Preset != "gamma5" || cfg.Radio.Type != "demo" {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if !s.logger.IsEnabled() {
		t.Error("logging toggle not applied")
	}
	if again := LoadConfig(cfg.Path()); again.Radio.Preset != "gamma5" {
		t.Errorf("saved preset = %q", again.Radio.Preset)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed POST = %d, want 400", rec.Code)
	}
}

func TestServesWebAssets(t *testing.T) {
	s, _ := newTestServer(t, newGateLine(true), "premium4")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "console") {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}
}

func TestWebSocketStreamsAttempt(t *testing.T) {
	s, _ := newTestServer(t, newGateLine(true), "seat-liceo")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if first.Status == nil || first.Status.Line != "demo" || len(first.Status.Presets) == 0 {
		t.Fatalf("first frame = %+v", first)
	}

	resp, err := http.Post(ts.URL+"/api/unlock", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	var kinds []runner.EventKind
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v (events so far %v)", err, kinds)
		}
		if f.Event == nil {
			continue
		}
		kinds = append(kinds, f.Event.Kind)
		if f.Event.Kind == runner.EventDone {
			if f.Event.Attempt == nil || f.Event.Attempt.Report == nil || f.Event.Attempt.Report.SafeCode != 0x0815 {
				t.Errorf("done event attempt = %+v", f.Event.Attempt)
			}
			break
		}
	}
	if kinds[0] != runner.EventStart {
		t.Errorf("events = %v", kinds)
	}
	s.Wait()
}
