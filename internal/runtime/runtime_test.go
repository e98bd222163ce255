package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/loqalabs/shop-voice/internal/answer"
	"github.com/loqalabs/shop-voice/internal/bus"
	"github.com/loqalabs/shop-voice/internal/config"
	"github.com/loqalabs/shop-voice/internal/eventstore"
	"github.com/loqalabs/shop-voice/internal/natsserver"
	"github.com/loqalabs/shop-voice/internal/protocol"
	"github.com/loqalabs/shop-voice/internal/session"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func answerServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write([]byte(`{"transcript":"` + req.Text + `","answer":"มีครับ ราคา 2,990 บาท","matches":[{"sku":"SSD-1TB"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestRuntime wires a runtime the way Start does, without telemetry or a
// listening HTTP server.
func newTestRuntime(t *testing.T, mutate func(*config.Config)) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "queries.db")
	cfg.STT.MockTranscript = "มี SSD 1TB ไหม"
	cfg.Answer.Endpoint = answerServer(t).URL
	if mutate != nil {
		mutate(&cfg)
	}

	r := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())

	store, err := eventstore.Open(ctx, cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	r.store = store

	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, newLogger())
		if err != nil {
			t.Fatalf("start nats: %v", err)
		}
		r.nats = srv
		client, err := bus.Connect(ctx, cfg.Bus, newLogger(), srv.ClientURL())
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		r.bus = client
	}

	env, err := r.recognitionEnv(ctx)
	if err != nil {
		t.Fatalf("recognition env: %v", err)
	}
	opts := []session.Option{session.WithObserver(newJournal(store, cfg.STT.DeviceID, newLogger()))}
	if r.bus != nil {
		opts = append(opts, session.WithObserver(newStatusPublisher(r.bus, newLogger())))
	}
	r.session = session.New(env, answer.NewClient(cfg.Answer.Endpoint, newLogger()), newLogger(), opts...)
	if r.bus != nil {
		r.controlSub, err = subscribeControl(ctx, r.bus, r.session, newLogger())
		if err != nil {
			t.Fatalf("subscribe control: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		r.closeServices()
	})
	return r
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitDone(t *testing.T, r *Runtime) session.View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := r.session.WaitUntil(ctx, func(v session.View) bool { return v.Status == "done" || v.Status == "failed" })
	if err != nil {
		t.Fatalf("waiting for answer: %v (last %+v)", err, v)
	}
	// A stop request is applied after the observers of the last change ran.
	if err := r.session.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	return v
}

func TestSessionEndpoints(t *testing.T) {
	r := newTestRuntime(t, nil)
	h := r.routes()

	rec := do(t, h, http.MethodGet, "/api/session")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var view struct {
		Status     string          `json:"status"`
		StatusText string          `json:"status_text"`
		CanStart   bool            `json:"can_start"`
		CycleID    string          `json:"cycle_id"`
		Result     json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.StatusText != session.TextIdle || !view.CanStart {
		t.Fatalf("unexpected initial view %+v", view)
	}

	rec = do(t, h, http.MethodPost, "/api/session/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	v := waitDone(t, r)
	if v.StatusText != "เสร็จสิ้น" {
		t.Fatalf("unexpected final status %q", v.StatusText)
	}

	rec = do(t, h, http.MethodGet, "/api/session")
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != "done" || !strings.Contains(string(view.Result), "2,990") {
		t.Fatalf("unexpected view %+v %s", view, view.Result)
	}
	if !strings.Contains(string(view.Result), "SSD-1TB") {
		t.Fatalf("expected matches kept verbatim, got %s", view.Result)
	}

	rec = do(t, h, http.MethodGet, "/api/session/history")
	var queries []historyQuery
	if err := json.Unmarshal(rec.Body.Bytes(), &queries); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(queries) != 1 || queries[0].CycleID != view.CycleID || queries[0].Device != "counter-1" {
		t.Fatalf("unexpected queries %+v", queries)
	}

	rec = do(t, h, http.MethodGet, "/api/session/history?cycle="+view.CycleID)
	var events []historyEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	var statuses []string
	for _, e := range events {
		statuses = append(statuses, e.Status)
	}
	if got := strings.Join(statuses, ","); got != "listening,processing,done" {
		t.Fatalf("unexpected journal %s", got)
	}
	if !strings.Contains(string(events[len(events)-1].Result), "มีครับ") {
		t.Fatalf("expected answer in journal, got %s", events[len(events)-1].Result)
	}
}

func TestSessionEndpointMethods(t *testing.T) {
	r := newTestRuntime(t, nil)
	h := r.routes()
	if rec := do(t, h, http.MethodGet, "/api/session/start"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/session/history?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/session/stop"); rec.Code != http.StatusOK {
		t.Fatalf("stop while idle: expected 200, got %d", rec.Code)
	}
}

func TestUnsupportedRecognition(t *testing.T) {
	r := newTestRuntime(t, func(cfg *config.Config) { cfg.STT.Enabled = false })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.session.WaitUntil(ctx, func(v session.View) bool { return v.Status == "unsupported" }); err != nil {
		t.Fatalf("expected unsupported: %v", err)
	}

	rec := do(t, r.routes(), http.MethodPost, "/api/session/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var view session.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.CanStart || view.StatusText != session.TextUnsupported {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestHealthAndReady(t *testing.T) {
	r := newTestRuntime(t, nil)
	h := r.routes()
	if rec := do(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: %d", rec.Code)
	}
	r.ready.Store(true)
	if rec := do(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
}

func TestBusControlAndStatus(t *testing.T) {
	r := newTestRuntime(t, func(cfg *config.Config) {
		cfg.Bus.Enabled = true
		cfg.Bus.Embedded = true
		cfg.Bus.Port = -1
	})

	statuses := make(chan protocol.SessionStatus, 16)
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectSessionStatus, func(msg *nats.Msg) {
		var st protocol.SessionStatus
		if err := json.Unmarshal(msg.Data, &st); err == nil {
			statuses <- st
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := r.bus.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := r.bus.PublishJSON(protocol.SubjectSessionControl, protocol.SessionControl{Action: protocol.ActionStart}); err != nil {
		t.Fatalf("publish control: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-statuses:
			if st.Status != "done" {
				continue
			}
			if st.Answer == nil || *st.Answer != "มีครับ ราคา 2,990 บาท" || st.StatusText != "เสร็จสิ้น" {
				t.Fatalf("unexpected final status %+v", st)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for done status")
		}
	}
}

func TestRecognitionEnvErrors(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "bus"
	r := New(cfg, newLogger())
	if _, err := r.recognitionEnv(context.Background()); err == nil {
		t.Fatal("expected error without bus")
	}

	if _, err := newRecognizer(config.STTConfig{Recognizer: "exec"}); err == nil {
		t.Fatal("expected error for exec recognizer without command")
	}
	if _, err := newRecognizer(config.STTConfig{Recognizer: "cloud"}); err == nil {
		t.Fatal("expected error for unknown recognizer")
	}
}

func TestStatusMessage(t *testing.T) {
	answerText := "มีครับ"
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("ICT", 7*3600))
	msg := statusMessage(session.View{CycleID: "c", Status: "done", StatusText: session.TextDone, Result: answer.Result{Answer: &answerText}}, now)
	if msg.Answer == nil || *msg.Answer != answerText || msg.Transcript != nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", msg.Timestamp)
	}
}

func journalStatuses(t *testing.T, h http.Handler, cycle string) string {
	t.Helper()
	rec := do(t, h, http.MethodGet, "/api/session/history?cycle="+cycle)
	var events []historyEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	var statuses []string
	for _, e := range events {
		statuses = append(statuses, e.Status)
	}
	return strings.Join(statuses, ",")
}

func TestJournalSecondCycleStartsClean(t *testing.T) {
	r := newTestRuntime(t, nil)
	h := r.routes()

	if rec := do(t, h, http.MethodPost, "/api/session/start"); rec.Code != http.StatusOK {
		t.Fatalf("start: %d", rec.Code)
	}
	first := waitDone(t, r)

	if rec := do(t, h, http.MethodPost, "/api/session/start"); rec.Code != http.StatusOK {
		t.Fatalf("second start: %d", rec.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	second, err := r.session.WaitUntil(ctx, func(v session.View) bool {
		return v.CycleID != first.CycleID && v.Status == "done"
	})
	if err != nil {
		t.Fatalf("waiting for second answer: %v (last %+v)", err, second)
	}
	if err := r.session.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := journalStatuses(t, h, first.CycleID); got != "listening,processing,done" {
		t.Fatalf("unexpected first journal %s", got)
	}
	if got := journalStatuses(t, h, second.CycleID); got != "listening,processing,done" {
		t.Fatalf("unexpected second journal %s", got)
	}
}

func TestStatusPublisherSkipsCycleRotation(t *testing.T) {
	r := newTestRuntime(t, func(cfg *config.Config) {
		cfg.Bus.Enabled = true
		cfg.Bus.Embedded = true
		cfg.Bus.Port = -1
	})

	statuses := make(chan protocol.SessionStatus, 32)
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectSessionStatus, func(msg *nats.Msg) {
		var st protocol.SessionStatus
		if err := json.Unmarshal(msg.Data, &st); err == nil {
			statuses <- st
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := r.bus.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	collect := func() []string {
		t.Helper()
		if err := r.bus.PublishJSON(protocol.SubjectSessionControl, protocol.SessionControl{Action: protocol.ActionStart}); err != nil {
			t.Fatalf("publish control: %v", err)
		}
		var seen []string
		deadline := time.After(3 * time.Second)
		for {
			select {
			case st := <-statuses:
				seen = append(seen, st.Status)
				if st.Status == "done" {
					return seen
				}
			case <-deadline:
				t.Fatalf("timed out waiting for done, saw %v", seen)
			}
		}
	}

	for cycle := 1; cycle <= 2; cycle++ {
		if got := strings.Join(collect(), ","); got != "listening,processing,done" {
			t.Fatalf("cycle %d: unexpected broadcasts %s", cycle, got)
		}
	}
}

func TestStartsCycle(t *testing.T) {
	prev := session.View{CycleID: "a", Status: "done"}
	if !startsCycle(prev, session.View{CycleID: "b", Status: "done"}) {
		t.Fatal("expected cycle rotation")
	}
	if startsCycle(prev, session.View{CycleID: "b", Status: "listening"}) {
		t.Fatal("status change is not a bare rotation")
	}
	if startsCycle(prev, session.View{CycleID: "a", Status: "failed"}) {
		t.Fatal("same cycle is not a rotation")
	}
}

func TestCloseServicesLogsUnsubscribeError(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	client, err := bus.Connect(context.Background(), cfg, newLogger(), srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		t.Fatalf("connect: %v", err)
	}
	sub, err := client.Conn().Subscribe(protocol.SubjectSessionControl, func(*nats.Msg) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// A second unsubscribe fails with a bad-subscription error.
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	var logs strings.Builder
	r := New(config.Default(), slog.New(slog.NewTextHandler(&logs, nil)))
	r.nats, r.bus, r.controlSub = srv, client, sub
	r.closeServices()

	if !strings.Contains(logs.String(), "session control unsubscribe error") {
		t.Fatalf("expected unsubscribe error to be logged, got %s", logs.String())
	}
}
