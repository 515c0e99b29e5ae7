package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/contigo/voice-gateway/internal/protocol"
)

type fakeConn struct {
	inbound chan []byte
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeCapture struct {
	chunks   chan []byte
	startErr error
	hang     bool
	mu       sync.Mutex
	stops    int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{chunks: make(chan []byte, 32)}
}

func (c *fakeCapture) Start(ctx context.Context) (<-chan []byte, error) {
	if c.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.startErr != nil {
		return nil, c.startErr
	}
	return c.chunks, nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeCapture) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

type fakePlayer struct {
	mu      sync.Mutex
	played  [][]byte
	stops   int
	release chan struct{} // when non-nil, Play blocks until signalled
	started chan struct{}
}

func (p *fakePlayer) Play(ctx context.Context, chunk []byte) error {
	p.mu.Lock()
	p.played = append(p.played, chunk)
	p.mu.Unlock()
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakePlayer) playedChunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}

type recorder struct {
	mu           sync.Mutex
	statuses     []Status
	errors       []string
	entries      []Entry
	translations [][2]string
}

func (r *recorder) events() Events {
	return Events{
		OnStatus: func(s Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnError: func(msg string) {
			r.mu.Lock()
			r.errors = append(r.errors, msg)
			r.mu.Unlock()
		},
		OnMessage: func(e Entry) {
			r.mu.Lock()
			r.entries = append(r.entries, e)
			r.mu.Unlock()
		},
		OnTranslation: func(original, translated string) {
			r.mu.Lock()
			r.translations = append(r.translations, [2]string{original, translated})
			r.mu.Unlock()
		},
	}
}

func (r *recorder) lastStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *recorder) errorMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.errors))
	copy(out, r.errors)
	return out
}

func (r *recorder) messageEntries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *recorder) translationResults() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]string, len(r.translations))
	copy(out, r.translations)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sessionFixture struct {
	session *Session
	conn    *fakeConn
	capture *fakeCapture
	player  *fakePlayer
	rec     *recorder
}

func newFixture(t *testing.T, mut func(*Options), translator Translator) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		conn:    newFakeConn(),
		capture: newFakeCapture(),
		player:  &fakePlayer{},
		rec:     &recorder{},
	}
	opts := Options{TickInterval: 10 * time.Millisecond, NudgeTTL: 50 * time.Millisecond}
	if mut != nil {
		mut(&opts)
	}
	f.session = NewSession(fakeDialer{conn: f.conn}, f.capture, f.player, translator, f.rec.events(), opts, zerolog.Nop())
	return f
}

func (f *sessionFixture) start(t *testing.T) {
	t.Helper()
	if err := f.session.Start(context.Background(), "wss://engine.contigo.app/voice/ws?token=x"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestStartEmptyEndpointGoesToError(t *testing.T) {
	f := newFixture(t, nil, nil)
	err := f.session.Start(context.Background(), "")
	if err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if f.session.Status() != StatusError {
		t.Fatalf("status = %q, want error", f.session.Status())
	}
	msgs := f.rec.errorMessages()
	if len(msgs) != 1 || msgs[0] != "connection unavailable" {
		t.Fatalf("errors = %v, want [connection unavailable]", msgs)
	}
}

func TestStartConnectsAndReportsStatus(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	defer f.session.End()

	if f.session.Status() != StatusConnected {
		t.Fatalf("status = %q, want connected", f.session.Status())
	}
	waitFor(t, "status sequence", func() bool {
		return f.rec.lastStatus() == StatusConnected
	})
}

func TestCaptureFailureTearsDownOpenLink(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.capture.startErr = errors.New("device busy")

	err := f.session.Start(context.Background(), "wss://engine.contigo.app/voice/ws")
	if err == nil {
		t.Fatalf("expected capture failure")
	}
	if f.session.Status() != StatusError {
		t.Fatalf("status = %q, want error", f.session.Status())
	}
	select {
	case <-f.conn.closed:
	default:
		t.Fatalf("connection should be closed after capture failure")
	}
}

func TestCaptureAcquisitionIsBounded(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CaptureTimeout = 30 * time.Millisecond }, nil)
	f.capture.hang = true

	err := f.session.Start(context.Background(), "wss://engine.contigo.app/voice/ws")
	if err == nil {
		t.Fatalf("expected bounded acquisition to fail")
	}
	if f.session.Status() != StatusError {
		t.Fatalf("status = %q, want error", f.session.Status())
	}
}

func TestCapturedAudioIsSentUnlessMuted(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	defer f.session.End()

	f.capture.chunks <- []byte{1, 2, 3}
	waitFor(t, "audio frame write", func() bool { return len(f.conn.writtenFrames()) == 1 })

	var frame protocol.AudioFrame
	if err := json.Unmarshal(f.conn.writtenFrames()[0], &frame); err != nil {
		t.Fatalf("unmarshal written frame: %v", err)
	}
	if frame.Type != protocol.TypeAudio {
		t.Fatalf("frame type = %q, want audio", frame.Type)
	}

	f.session.SetMuted(true)
	f.capture.chunks <- []byte{4, 5, 6}
	time.Sleep(50 * time.Millisecond)
	if got := len(f.conn.writtenFrames()); got != 1 {
		t.Fatalf("frames written while muted = %d, want 1", got)
	}

	f.session.SetMuted(false)
	f.capture.chunks <- []byte{7, 8, 9}
	waitFor(t, "unmuted audio frame", func() bool { return len(f.conn.writtenFrames()) == 2 })
}

func TestScenarioInboundFrames(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.player.release = make(chan struct{}, 1)
	f.player.started = make(chan struct{}, 1)
	f.start(t)

	f.conn.inbound <- []byte(`{"type":"agent_response","text":"Hola"}`)
	f.conn.inbound <- []byte(`{"type":"audio","data":"AQID"}`)
	<-f.player.started

	f.conn.inbound <- []byte(`{"type":"error","message":"boom"}`)
	waitFor(t, "error state", func() bool { return f.session.Status() == StatusError })

	entries := f.rec.messageEntries()
	if len(entries) != 1 || entries[0].Speaker != SpeakerAgent || entries[0].Text != "Hola" {
		t.Fatalf("message log = %+v, want one agent entry Hola", entries)
	}
	if played := f.player.playedChunks(); len(played) != 1 {
		t.Fatalf("played chunks = %d, want 1", len(played))
	}
	msgs := f.rec.errorMessages()
	if len(msgs) != 1 || msgs[0] != "boom" {
		t.Fatalf("errors = %v, want [boom]", msgs)
	}
	waitFor(t, "capture release", func() bool { return f.capture.stopCount() >= 1 })
}

func TestPlaybackIsStrictlyOrdered(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.player.release = make(chan struct{})
	f.player.started = make(chan struct{}, 3)
	f.start(t)
	defer f.session.End()

	f.conn.inbound <- []byte(`{"type":"audio","data":"AQ=="}`) // F1
	f.conn.inbound <- []byte(`{"type":"audio","data":"Ag=="}`) // F2
	f.conn.inbound <- []byte(`{"type":"audio","data":"Aw=="}`) // F3

	<-f.player.started
	time.Sleep(30 * time.Millisecond)
	if got := len(f.player.playedChunks()); got != 1 {
		t.Fatalf("chunks started while F1 playing = %d, want 1", got)
	}

	f.player.release <- struct{}{}
	<-f.player.started
	if got := f.player.playedChunks(); len(got) != 2 || got[1][0] != 2 {
		t.Fatalf("second chunk = %v, want F2", got)
	}

	f.player.release <- struct{}{}
	<-f.player.started
	if got := f.player.playedChunks(); len(got) != 3 || got[2][0] != 3 {
		t.Fatalf("third chunk = %v, want F3", got)
	}
	f.player.release <- struct{}{}
}

func TestEndIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	f.session.End()
	if f.session.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle", f.session.Status())
	}
	stops := f.capture.stopCount()

	f.session.End()
	if f.session.Status() != StatusIdle {
		t.Fatalf("status after second End = %q, want idle", f.session.Status())
	}
	if f.capture.stopCount() != stops {
		t.Fatalf("second End released capture again")
	}
}

func TestEndNotifiesPeerBeforeClosing(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	f.session.End()

	frames := f.conn.writtenFrames()
	if len(frames) == 0 {
		t.Fatalf("no frames written, want end frame")
	}
	var env protocol.Envelope
	if err := json.Unmarshal(frames[len(frames)-1], &env); err != nil {
		t.Fatalf("unmarshal end frame: %v", err)
	}
	if env.Type != protocol.TypeEnd {
		t.Fatalf("last frame type = %q, want end", env.Type)
	}
}

func TestEndFromErrorStateLandsIdle(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	f.conn.inbound <- []byte(`{"type":"error","message":"boom"}`)
	waitFor(t, "error state", func() bool { return f.session.Status() == StatusError })

	f.session.End()
	if f.session.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle after explicit end", f.session.Status())
	}
}

func TestMaxDurationAutoEnd(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.TickInterval = 10 * time.Millisecond
		o.MaxDuration = 50 * time.Millisecond
	}, nil)
	f.start(t)

	waitFor(t, "auto end", func() bool { return f.session.Status() == StatusIdle })
	if f.capture.stopCount() < 1 {
		t.Fatalf("capture not released by auto end")
	}
	// Auto-end reuses the explicit teardown path; a later manual End is a
	// no-op.
	f.session.End()
	if f.session.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle", f.session.Status())
	}
}

func TestElapsedAdvancesWhileConnected(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.TickInterval = 10 * time.Millisecond }, nil)
	f.start(t)
	waitFor(t, "elapsed ticks", func() bool { return f.session.Elapsed() >= 2 })
	f.session.End()
	frozen := f.session.Elapsed()
	time.Sleep(50 * time.Millisecond)
	if f.session.Elapsed() != frozen {
		t.Fatalf("elapsed advanced after end: %d -> %d", frozen, f.session.Elapsed())
	}
}

func TestUnknownFrameTypesAreIgnored(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	defer f.session.End()

	f.conn.inbound <- []byte(`{"type":"confetti","payload":"??"}`)
	f.conn.inbound <- []byte(`{"type":"agent_response","text":"sigo aquí"}`)
	waitFor(t, "followup message", func() bool { return len(f.rec.messageEntries()) == 1 })
	if f.session.Status() != StatusConnected {
		t.Fatalf("status = %q, unknown frame must not break the connection", f.session.Status())
	}
}

func TestReferencesDeduplicatedByTitle(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	defer f.session.End()

	f.conn.inbound <- []byte(`{"type":"references_detected","references":[{"title":"La Casa de Papel","type":"show"}]}`)
	f.conn.inbound <- []byte(`{"type":"references_detected","references":[{"title":"La Casa de Papel","type":"show"},{"title":"Rosalía","type":"artist"}]}`)

	waitFor(t, "references merged", func() bool { return len(f.session.References()) == 2 })
	refs := f.session.References()
	if refs[0].Title != "La Casa de Papel" || refs[1].Title != "Rosalía" {
		t.Fatalf("references = %+v", refs)
	}
}

func TestSendReferenceContextRequiresConnection(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.session.SendReferenceContext("t", "e"); err == nil {
		t.Fatalf("expected error before connect")
	}

	f.start(t)
	defer f.session.End()
	if err := f.session.SendReferenceContext("El Laberinto del Fauno", "una película de 2006"); err != nil {
		t.Fatalf("SendReferenceContext() error = %v", err)
	}
	waitFor(t, "reference frame", func() bool { return len(f.conn.writtenFrames()) == 1 })
	var frame protocol.ReferenceContextFrame
	if err := json.Unmarshal(f.conn.writtenFrames()[0], &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != protocol.TypeReferenceContext || frame.Title != "El Laberinto del Fauno" {
		t.Fatalf("frame = %+v", frame)
	}
}

type slotTranslator struct {
	mu      sync.Mutex
	pending map[string]chan string
}

func newSlotTranslator() *slotTranslator {
	return &slotTranslator{pending: make(map[string]chan string)}
}

func (tr *slotTranslator) Translate(ctx context.Context, text, _ string) (string, error) {
	tr.mu.Lock()
	ch, ok := tr.pending[text]
	if !ok {
		ch = make(chan string, 1)
		tr.pending[text] = ch
	}
	tr.mu.Unlock()
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (tr *slotTranslator) resolve(text, result string) {
	tr.mu.Lock()
	ch, ok := tr.pending[text]
	if !ok {
		ch = make(chan string, 1)
		tr.pending[text] = ch
	}
	tr.mu.Unlock()
	ch <- result
}

func TestStaleTranslationResponseIsDiscarded(t *testing.T) {
	tr := newSlotTranslator()
	f := newFixture(t, nil, tr)
	f.start(t)
	defer f.session.End()

	ctx := context.Background()
	f.session.RequestTranslation(ctx, "X")
	f.session.RequestTranslation(ctx, "Y")

	tr.resolve("Y", "Y-translated")
	waitFor(t, "latest translation", func() bool { return len(f.rec.translationResults()) == 1 })

	tr.resolve("X", "X-translated")
	time.Sleep(50 * time.Millisecond)

	results := f.rec.translationResults()
	if len(results) != 1 || results[0] != [2]string{"Y", "Y-translated"} {
		t.Fatalf("translations = %v, want only the latest (Y)", results)
	}
}

func TestTranslationMemoizedPerText(t *testing.T) {
	tr := newSlotTranslator()
	f := newFixture(t, nil, tr)
	f.start(t)
	defer f.session.End()

	ctx := context.Background()
	f.session.RequestTranslation(ctx, "Hola")
	tr.resolve("Hola", "Hello")
	waitFor(t, "first translation", func() bool { return len(f.rec.translationResults()) == 1 })

	// Second request for the identical text is served from the memo; the
	// translator is never consulted again.
	f.session.RequestTranslation(ctx, "Hola")
	waitFor(t, "memoized translation", func() bool { return len(f.rec.translationResults()) == 2 })
	results := f.rec.translationResults()
	if results[1] != [2]string{"Hola", "Hello"} {
		t.Fatalf("memoized result = %v", results[1])
	}
}

type failingTranslator struct{}

func (failingTranslator) Translate(_ context.Context, _, _ string) (string, error) {
	return "", fmt.Errorf("service unavailable")
}

func TestTranslationFailureFallsBackToOriginal(t *testing.T) {
	f := newFixture(t, nil, failingTranslator{})
	f.start(t)
	defer f.session.End()

	f.session.RequestTranslation(context.Background(), "Hola")
	waitFor(t, "fallback translation", func() bool { return len(f.rec.translationResults()) == 1 })
	if got := f.rec.translationResults()[0]; got != [2]string{"Hola", "Hola"} {
		t.Fatalf("fallback = %v, want original text", got)
	}
}

func TestStartTwiceRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	defer f.session.End()
	if err := f.session.Start(context.Background(), "wss://x"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("error = %v, want ErrAlreadyStarted", err)
	}
}
