package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/contigo/voice-gateway/internal/protocol"
)

var ErrAlreadyStarted = errors.New("transport session already started")

// Session is the client-side state machine for one realtime connection.
// Lifecycle: idle → connecting → connected → (error | idle). At most one
// live connection per Session; a dropped connection requires a brand-new
// connection descriptor, never a resume.
type Session struct {
	dialer     Dialer
	capture    CaptureSource
	player     Player
	translator Translator
	events     Events
	opts       Options
	log        zerolog.Logger

	mu       sync.Mutex
	status   Status
	muted    bool
	started  bool
	tornDown bool
	conn     Conn
	writeMu  sync.Mutex
	cancel   context.CancelFunc

	elapsed    int
	messages   []Entry
	references []Reference
	refTitles  map[string]struct{}

	nudgeTimer *time.Timer

	playQueue chan []byte

	// Translation side channel: one logical slot, monotonically increasing
	// request ids so stale responses are discarded, memoized per text.
	translationSeq   uint64
	translationCache map[string]string
}

func NewSession(dialer Dialer, capture CaptureSource, player Player, translator Translator, events Events, opts Options, log zerolog.Logger) *Session {
	opts.applyDefaults()
	if dialer == nil {
		dialer = gorillaDialer{handshakeTimeout: opts.DialTimeout}
	}
	return &Session{
		dialer:           dialer,
		capture:          capture,
		player:           player,
		translator:       translator,
		events:           events,
		opts:             opts,
		log:              log,
		status:           StatusIdle,
		refTitles:        make(map[string]struct{}),
		translationCache: make(map[string]string),
		playQueue:        make(chan []byte, 256),
	}
}

type gorillaDialer struct {
	handshakeTimeout time.Duration
}

func (d gorillaDialer) Dial(ctx context.Context, endpointURL string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpointURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Elapsed returns whole seconds spent non-idle.
func (s *Session) Elapsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Messages returns a snapshot of the transcript so far.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.messages))
	copy(out, s.messages)
	return out
}

// References returns the de-duplicated detected references.
func (s *Session) References() []Reference {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reference, len(s.references))
	copy(out, s.references)
	return out
}

// SetMuted gates outbound audio. The capture device stays open while muted
// so unmuting is instant.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Start connects to the brokered endpoint and runs the session until End,
// a fatal error, or the duration ceiling. It returns once the connection is
// established (or has failed); the pumps keep running in the background.
func (s *Session) Start(ctx context.Context, endpointURL string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if endpointURL == "" {
		// A connection was expected; never silently stay idle.
		s.status = StatusError
		s.mu.Unlock()
		s.events.status(StatusError)
		s.events.errorf("connection unavailable")
		return errors.New("connection unavailable: empty endpoint")
	}
	s.status = StatusConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()
	s.events.status(StatusConnecting)

	go s.runTicker(runCtx)

	dialCtx, dialCancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer dialCancel()
	conn, err := s.dialer.Dial(dialCtx, endpointURL)
	if err != nil {
		s.fail(fmt.Sprintf("connection failed: %v", err))
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	chunks, err := s.acquireCapture(runCtx)
	if err != nil {
		// An open link with no working microphone is not a usable state:
		// close the just-opened link and surface the failure.
		s.fail(fmt.Sprintf("microphone unavailable: %v", err))
		return err
	}

	s.mu.Lock()
	s.status = StatusConnected
	s.mu.Unlock()
	s.events.status(StatusConnected)

	go s.sendLoop(runCtx, chunks)
	go s.readLoop(runCtx)
	go s.playbackLoop(runCtx)
	return nil
}

// acquireCapture starts the microphone with a bounded wait so a stuck
// device driver cannot hang the state machine.
func (s *Session) acquireCapture(ctx context.Context) (<-chan []byte, error) {
	type result struct {
		chunks <-chan []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		chunks, err := s.capture.Start(ctx)
		done <- result{chunks, err}
	}()

	select {
	case r := <-done:
		return r.chunks, r.err
	case <-time.After(s.opts.CaptureTimeout):
		return nil, fmt.Errorf("capture device did not start within %s", s.opts.CaptureTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendLoop encodes captured audio and ships it as it becomes available.
// Muted frames are dropped here, not at the device.
func (s *Session) sendLoop(ctx context.Context, chunks <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			s.mu.Lock()
			muted := s.muted
			s.mu.Unlock()
			if muted {
				continue
			}
			if err := s.writeFrame(protocol.NewAudioFrame(chunk)); err != nil {
				s.fail(fmt.Sprintf("send audio: %v", err))
				return
			}
		}
	}
}

// readLoop decodes inbound frames and dispatches them. It never blocks the
// send side: the two directions share nothing but the connection.
func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				// Teardown already in progress; the read error is the
				// expected close, not a new failure.
				return
			default:
			}
			s.fail(fmt.Sprintf("connection lost: %v", err))
			return
		}
		s.dispatch(ctx, data)
	}
}

func (s *Session) dispatch(ctx context.Context, data []byte) {
	frame, err := protocol.ParseEngineFrame(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			return
		}
		s.log.Warn().Err(err).Msg("dropping malformed engine frame")
		return
	}

	switch f := frame.(type) {
	case protocol.AudioFrame:
		payload, err := f.Payload()
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping undecodable audio frame")
			return
		}
		select {
		case s.playQueue <- payload:
		case <-ctx.Done():
		}
	case protocol.UserTranscriptFrame:
		s.appendMessage(SpeakerUser, f.Text)
	case protocol.AgentResponseFrame:
		s.appendMessage(SpeakerAgent, f.Text)
	case protocol.GuidanceNudgeFrame:
		s.showNudge(f.Text)
	case protocol.ReferencesDetectedFrame:
		s.mergeReferences(f.References)
	case protocol.ErrorFrame:
		msg := f.Message
		if msg == "" {
			msg = "voice engine reported an error"
		}
		s.fail(msg)
	}
}

// playbackLoop drains the queue one chunk at a time: frame N+1 never starts
// before frame N's playback has finished.
func (s *Session) playbackLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.playQueue:
			if err := s.player.Play(ctx, chunk); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				s.log.Warn().Err(err).Msg("audio playback failed, skipping chunk")
			}
		}
	}
}

func (s *Session) runTicker(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	maxTicks := 0
	if s.opts.MaxDuration > 0 {
		maxTicks = int(s.opts.MaxDuration / s.opts.TickInterval)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.elapsed++
			elapsed := s.elapsed
			s.mu.Unlock()
			if s.events.OnTick != nil {
				s.events.OnTick(elapsed)
			}
			if maxTicks > 0 && elapsed >= maxTicks {
				// Same teardown path as an explicit user end; a second
				// release path would be a second set of release bugs.
				s.End()
				return
			}
		}
	}
}

func (s *Session) appendMessage(speaker Speaker, text string) {
	entry := Entry{Speaker: speaker, Text: text, Timestamp: time.Now().UTC()}
	s.mu.Lock()
	s.messages = append(s.messages, entry)
	s.mu.Unlock()
	if s.events.OnMessage != nil {
		s.events.OnMessage(entry)
	}
}

func (s *Session) showNudge(text string) {
	if s.events.OnNudge != nil {
		s.events.OnNudge(text)
	}
	s.mu.Lock()
	if s.nudgeTimer != nil {
		s.nudgeTimer.Stop()
	}
	s.nudgeTimer = time.AfterFunc(s.opts.NudgeTTL, func() {
		if s.events.OnNudgeExpired != nil {
			s.events.OnNudgeExpired()
		}
	})
	s.mu.Unlock()
}

func (s *Session) mergeReferences(refs []protocol.DetectedReference) {
	s.mu.Lock()
	var added []Reference
	for _, r := range refs {
		if r.Title == "" {
			continue
		}
		if _, seen := s.refTitles[r.Title]; seen {
			continue
		}
		s.refTitles[r.Title] = struct{}{}
		ref := Reference{Title: r.Title, RefType: r.RefType, Source: r.Source, Context: r.Context}
		s.references = append(s.references, ref)
		added = append(added, ref)
	}
	s.mu.Unlock()
	if len(added) > 0 && s.events.OnReferences != nil {
		s.events.OnReferences(added)
	}
}

// SendReferenceContext injects out-of-band context for the engine's
// reasoning. Fire-and-forget; only usable while connected.
func (s *Session) SendReferenceContext(title, excerpt string) error {
	s.mu.Lock()
	connected := s.status == StatusConnected
	s.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}
	return s.writeFrame(protocol.ReferenceContextFrame{
		Type:    protocol.TypeReferenceContext,
		Title:   title,
		Excerpt: excerpt,
	})
}

func (s *Session) writeFrame(frame any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// End terminates the session intentionally: notify the peer, close the
// link, release capture and playback, cancel timers and in-flight
// translation. Idempotent; always lands in idle.
func (s *Session) End() {
	changed := s.teardown(true)
	s.mu.Lock()
	wasIdle := s.status == StatusIdle
	s.status = StatusIdle
	s.mu.Unlock()
	if changed || !wasIdle {
		s.events.status(StatusIdle)
	}
}

// fail releases everything and lands in error. The caller must retry with a
// brand-new connection descriptor; there is no automatic reconnect.
func (s *Session) fail(message string) {
	if !s.teardown(false) {
		return
	}
	s.mu.Lock()
	s.status = StatusError
	s.mu.Unlock()
	s.events.status(StatusError)
	s.events.errorf(message)
}

// teardown releases all resources exactly once. Returns false if a prior
// call already ran. notifyPeer distinguishes intentional ends (which send a
// best-effort end frame) from failure paths.
func (s *Session) teardown(notifyPeer bool) bool {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return false
	}
	s.tornDown = true
	conn := s.conn
	cancel := s.cancel
	timer := s.nudgeTimer
	s.nudgeTimer = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if notifyPeer && conn != nil {
		_ = s.writeFrame(protocol.EndFrame{Type: protocol.TypeEnd})
	}
	// Cancelling stops the pumps and invalidates any in-flight translation
	// before resources go away beneath them.
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if s.capture != nil {
		_ = s.capture.Stop()
	}
	if s.player != nil {
		_ = s.player.Stop()
	}
	return true
}
