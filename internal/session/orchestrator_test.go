package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amanullahtanweer/caption-relay/internal/audio"
	"github.com/amanullahtanweer/caption-relay/internal/logging"
	"github.com/amanullahtanweer/caption-relay/internal/transcriber"
)

type readResult struct {
	data []byte
	err  error
}

type fakeSocket struct {
	reads  chan readResult
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan readResult, 16), closed: make(chan struct{})}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case r := <-f.reads:
		return websocket.TextMessage, r.data, r.err
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeSocket) WriteMessage(int, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written++
	return nil
}

func (f *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeSocket) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// fakeUpstream hands out streams over fake sockets. errs are returned by
// successive Negotiate calls; once exhausted, fallback is used.
type fakeUpstream struct {
	mu         sync.Mutex
	errs       []error
	fallback   error
	negotiated int
	sockets    []*fakeSocket
}

func (u *fakeUpstream) Negotiate(_ context.Context, _ transcriber.Config) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.negotiated++
	if len(u.errs) > 0 {
		err := u.errs[0]
		u.errs = u.errs[1:]
		if err != nil {
			return "", err
		}
	} else if u.fallback != nil {
		return "", u.fallback
	}
	return fmt.Sprintf("wss://upstream.test/%d", u.negotiated), nil
}

func (u *fakeUpstream) Connect(_ context.Context, _ string, translating bool) (*transcriber.Stream, error) {
	sock := newFakeSocket()
	u.mu.Lock()
	u.sockets = append(u.sockets, sock)
	u.mu.Unlock()
	return transcriber.NewStream(sock, translating, logging.Nop()), nil
}

func (u *fakeUpstream) setFallback(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fallback = err
}

func (u *fakeUpstream) socket(i int) *fakeSocket {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sockets[i]
}

func (u *fakeUpstream) socketCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sockets)
}

func (u *fakeUpstream) open() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, s := range u.sockets {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

type fakeCapture struct {
	mu       sync.Mutex
	err      error
	emit     func([]byte)
	acquired int
	active   bool
}

func (c *fakeCapture) Acquire(_ string, emit func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.acquired++
	c.active = true
	c.emit = emit
	return nil
}

func (c *fakeCapture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.emit = nil
}

func (c *fakeCapture) push(frame []byte) {
	c.mu.Lock()
	emit := c.emit
	c.mu.Unlock()
	if emit != nil {
		emit(frame)
	}
}

func (c *fakeCapture) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock records scheduled reconnects; tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{}
	c.delays = append(c.delays, d)
	c.funcs = append(c.funcs, f)
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	f := c.funcs[i]
	c.mu.Unlock()
	f()
}

type recordingPublisher struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	return p.err
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

const testBase = 10 * time.Millisecond

type harness struct {
	up      *fakeUpstream
	capture *fakeCapture
	clock   *fakeClock
	pub     *recordingPublisher
	orch    *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		up:      &fakeUpstream{},
		capture: &fakeCapture{},
		clock:   &fakeClock{},
		pub:     &recordingPublisher{},
	}
	opts := DefaultOptions()
	opts.BaseDelay = testBase
	opts.RestartDelay = time.Millisecond
	opts.AfterFunc = h.clock.AfterFunc
	h.orch = New(h.up, h.capture, h.pub, opts, logging.Nop())
	t.Cleanup(h.orch.Close)
	return h
}

func testConfig() transcriber.Config {
	return transcriber.Config{
		APIKey:           "key",
		Language:         "fr",
		SilenceThreshold: 0.05,
		MaxDuration:      5,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, o *Orchestrator, want State) Status {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return o.Status().State == want })
	return o.Status()
}

func TestStartGoesLive(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.Start(context.Background(), testConfig(), "mic-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := h.orch.Status()
	if st.State != StateLive {
		t.Fatalf("state = %v, want live", st.State)
	}
	if st.SessionID == "" {
		t.Error("expected a session id")
	}
	if st.DeviceID != "mic-1" || st.Language != "fr" {
		t.Errorf("status = %+v", st)
	}
	if !h.capture.isActive() {
		t.Error("capture not acquired")
	}
	if n := h.up.open(); n != 1 {
		t.Errorf("open sockets = %d, want 1", n)
	}
	if !h.orch.Running() {
		t.Error("Running() = false while live")
	}
}

func TestAudioFramesReachSocket(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		h.capture.push(make([]byte, 640))
	}

	sock := h.up.socket(0)
	waitFor(t, "frames written", func() bool { return sock.writes() == 3 })

	m := h.orch.Metrics()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FramesSent != 3 || m.AudioBytes != 1920 {
		t.Errorf("metrics frames=%d bytes=%d, want 3/1920", m.FramesSent, m.AudioBytes)
	}
}

func TestStartTwiceKeepsOneSocket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Start(ctx, testConfig(), ""); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first := h.orch.Status().SessionID
	if err := h.orch.Start(ctx, testConfig(), ""); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if !h.up.socket(0).isClosed() {
		t.Error("first socket still open")
	}
	if n := h.up.open(); n != 1 {
		t.Errorf("open sockets = %d, want 1", n)
	}
	if h.orch.Status().SessionID == first {
		t.Error("second Start reused the session id")
	}
}

func TestConcurrentStartsKeepOneSocket(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.orch.Start(context.Background(), testConfig(), "")
		}()
	}
	wg.Wait()

	if n := h.up.open(); n > 1 {
		t.Errorf("open sockets = %d, want at most 1", n)
	}
}

func TestStopTearsDown(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.orch.Stop()

	st := h.orch.Status()
	if st.State != StateIdle || st.Message != "Ready" {
		t.Errorf("status = %v %q, want idle Ready", st.State, st.Message)
	}
	if h.capture.isActive() {
		t.Error("capture still active")
	}
	if h.up.open() != 0 {
		t.Error("socket still open")
	}
	if h.orch.Metrics().EndTime.IsZero() {
		t.Error("metrics not finalized")
	}

	// idempotent
	h.orch.Stop()
	h.orch.Stop()
	if st := h.orch.Status(); st.State != StateIdle {
		t.Errorf("state after repeated Stop = %v", st.State)
	}
}

func TestStopWhenIdle(t *testing.T) {
	var changes int
	opts := DefaultOptions()
	opts.OnChange = func(Status) { changes++ }
	o := New(&fakeUpstream{}, &fakeCapture{}, &recordingPublisher{}, opts, logging.Nop())
	defer o.Close()

	o.Stop()
	if changes != 0 {
		t.Errorf("OnChange called %d times stopping an idle session", changes)
	}
	if st := o.Status(); st.State != StateIdle || st.Message != "Ready" {
		t.Errorf("status = %+v", st)
	}
}

func TestMissingCredential(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.APIKey = "  "

	err := h.orch.Start(context.Background(), cfg, "")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
	st := h.orch.Status()
	if st.State != StateError || st.Error != "API key required" {
		t.Errorf("status = %v %q", st.State, st.Error)
	}
	if h.up.negotiated != 0 {
		t.Error("negotiated without a credential")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.Language = "xx"

	err := h.orch.Start(context.Background(), cfg, "")
	if !errors.Is(err, transcriber.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if st := h.orch.Status(); st.State != StateError {
		t.Errorf("state = %v, want error", st.State)
	}
}

func TestUnauthorizedIsFatal(t *testing.T) {
	h := newHarness(t)
	h.up.errs = []error{fmt.Errorf("negotiate: %w", transcriber.ErrUnauthorized)}

	err := h.orch.Start(context.Background(), testConfig(), "")
	if !errors.Is(err, transcriber.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	st := h.orch.Status()
	if st.State != StateError || st.Error != "Invalid API key" {
		t.Errorf("status = %v %q", st.State, st.Error)
	}
	if d := h.clock.scheduled(); len(d) != 0 {
		t.Errorf("reconnects scheduled after 401: %v", d)
	}
	if h.up.socketCount() != 0 {
		t.Error("socket opened after failed negotiation")
	}
}

func TestCaptureErrorClosesSocket(t *testing.T) {
	h := newHarness(t)
	h.capture.err = fmt.Errorf("open device: %w", audio.ErrPermissionDenied)

	err := h.orch.Start(context.Background(), testConfig(), "")
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}

	st := h.orch.Status()
	if st.State != StateError {
		t.Fatalf("state = %v, want error", st.State)
	}
	if st.Error != UserMessage(audio.ErrPermissionDenied) {
		t.Errorf("error = %q", st.Error)
	}
	if h.up.open() != 0 {
		t.Error("socket left open after capture failure")
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.up.socket(0).reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}

	st := waitState(t, h.orch, StateReconnecting)
	if st.ReconnectAttempts != 1 {
		t.Errorf("attempts = %d, want 1", st.ReconnectAttempts)
	}
	if d := h.clock.scheduled(); len(d) != 1 || d[0] != testBase {
		t.Fatalf("scheduled = %v, want [%v]", d, testBase)
	}
	if h.capture.isActive() {
		t.Error("capture still active while reconnecting")
	}

	h.clock.fire(0)

	st = h.orch.Status()
	if st.State != StateLive {
		t.Fatalf("state = %v, want live", st.State)
	}
	if st.ReconnectAttempts != 0 {
		t.Errorf("attempts = %d after recovery, want 0", st.ReconnectAttempts)
	}
	if h.up.socketCount() != 2 || h.up.open() != 1 {
		t.Errorf("sockets = %d open = %d", h.up.socketCount(), h.up.open())
	}
	if r := h.orch.Metrics().Reconnects; r != 1 {
		t.Errorf("metrics reconnects = %d", r)
	}
}

func TestBackoffThenGiveUp(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.up.setFallback(&transcriber.UpstreamError{Status: 503})
	h.up.socket(0).reads <- readResult{err: errors.New("connection reset")}
	waitState(t, h.orch, StateReconnecting)

	for i := 0; i < 5; i++ {
		h.clock.fire(i)
	}

	want := []time.Duration{testBase, 2 * testBase, 4 * testBase, 8 * testBase, 16 * testBase}
	got := h.clock.scheduled()
	if len(got) != len(want) {
		t.Fatalf("scheduled %d reconnects %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	st := h.orch.Status()
	if st.State != StateError {
		t.Fatalf("state = %v, want error", st.State)
	}
	if st.Error != "Connection lost after 5 reconnect attempts" {
		t.Errorf("error = %q", st.Error)
	}
}

func TestFatalErrorDuringReconnect(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.up.setFallback(transcriber.ErrQuotaExceeded)
	h.up.socket(0).reads <- readResult{err: &websocket.CloseError{Code: 1011}}
	waitState(t, h.orch, StateReconnecting)

	h.clock.fire(0)

	st := h.orch.Status()
	if st.State != StateError || st.Error != "Insufficient credits" {
		t.Errorf("status = %v %q", st.State, st.Error)
	}
	if n := len(h.clock.scheduled()); n != 1 {
		t.Errorf("scheduled %d reconnects, want 1", n)
	}
}

func TestNormalCloseGoesIdle(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.up.socket(0).reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}

	st := waitState(t, h.orch, StateIdle)
	if st.Message != "Disconnected" {
		t.Errorf("message = %q", st.Message)
	}
	if len(h.clock.scheduled()) != 0 {
		t.Error("reconnect scheduled after a normal close")
	}
	if h.capture.isActive() {
		t.Error("capture still active")
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.up.socket(0).reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}
	waitState(t, h.orch, StateReconnecting)

	h.orch.Stop()

	h.clock.mu.Lock()
	timer := h.clock.timers[0]
	h.clock.mu.Unlock()
	if !timer.isStopped() {
		t.Error("pending reconnect not cancelled")
	}

	// A timer that fired anyway must not revive the session.
	h.clock.fire(0)
	if st := h.orch.Status(); st.State != StateIdle {
		t.Errorf("state = %v, want idle", st.State)
	}
	if h.up.socketCount() != 1 {
		t.Errorf("sockets = %d, want 1", h.up.socketCount())
	}
}

func TestCaptionsPublished(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sock := h.up.socket(0)
	sock.reads <- readResult{data: []byte(`{"type":"transcript","data":{"is_final":false,"utterance":{"text":"bonj"}}}`)}
	sock.reads <- readResult{data: []byte(`{"type":"transcript","data":{"is_final":true,"utterance":{"text":" bonjour "}}}`)}
	sock.reads <- readResult{data: []byte(`{"type":"transcript","data":{"is_final":true,"utterance":{"text":"salut"}}}`)}

	waitFor(t, "captions", func() bool { return len(h.pub.published()) == 2 })

	got := h.pub.published()
	if got[0] != "bonjour" || got[1] != "salut" {
		t.Errorf("published = %q", got)
	}
	if p := h.orch.Status().Preview; p != "salut" {
		t.Errorf("preview = %q", p)
	}
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("relay down")
	if err := h.orch.Start(context.Background(), testConfig(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.up.socket(0).reads <- readResult{data: []byte(`{"type":"transcript","data":{"is_final":true,"utterance":{"text":"hello"}}}`)}
	waitFor(t, "publish attempt", func() bool { return len(h.pub.published()) == 1 })

	if st := h.orch.Status(); st.State != StateLive {
		t.Errorf("state = %v after publish failure, want live", st.State)
	}
}

func TestRestartAppliesNewConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.orch.Start(ctx, testConfig(), "a"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cfg := testConfig()
	cfg.Language = "en"
	cfg.TranslateTo = "fr"
	if err := h.orch.Restart(ctx, cfg, "b"); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	got, dev := h.orch.Config()
	if got.Language != "en" || got.TranslateTo != "fr" || dev != "b" {
		t.Errorf("config = %+v device %q", got, dev)
	}
	if h.up.socketCount() != 2 || h.up.open() != 1 {
		t.Errorf("sockets = %d open = %d", h.up.socketCount(), h.up.open())
	}
}

func TestRestartHonoursContext(t *testing.T) {
	opts := DefaultOptions()
	opts.RestartDelay = time.Hour
	up := &fakeUpstream{}
	o := New(up, &fakeCapture{}, &recordingPublisher{}, opts, logging.Nop())
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Restart(ctx, testConfig(), ""); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if up.socketCount() != 0 {
		t.Error("connected after cancelled restart")
	}
}
