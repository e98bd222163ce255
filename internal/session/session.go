// Package session drives one voice query at a time: it owns the recognition
// engine, turns its callbacks into state transitions, submits the final
// transcript to the Q&A service and keeps the latest result for display.
//
// All state changes happen on the goroutine running Run. Engine callbacks,
// start/stop requests and submission completions are queued as events and
// applied in arrival order, so the session needs no other synchronization
// than the snapshot lock readers use.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/shop-voice/internal/answer"
	"github.com/loqalabs/shop-voice/internal/capability"
	"github.com/loqalabs/shop-voice/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned by requests made after Run has returned.
var ErrClosed = errors.New("session closed")

// Asker submits a transcript to the Q&A service.
type Asker interface {
	Ask(ctx context.Context, text string) (answer.Result, error)
}

// Observer is notified on the session goroutine after every state change.
type Observer interface {
	SessionChanged(ctx context.Context, prev, next View)
}

type Option func(*Session)

func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// WithIDGenerator overrides how cycle IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

type Session struct {
	env       capability.Env
	asker     Asker
	logger    *slog.Logger
	observers []Observer
	newID     func() string
	box       *mailbox

	mu      sync.RWMutex
	state   State
	changed chan struct{}

	running     atomic.Bool
	stopped     chan struct{}
	engine      stt.Engine
	tasks       sync.WaitGroup
	transitions metric.Int64Counter
}

// New builds a session in the Idle state. The capability probe is deferred
// to Run so that a session that is never mounted never touches env.
func New(env capability.Env, asker Asker, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		env:     env,
		asker:   asker,
		logger:  logger.With(slog.String("component", "voice-session")),
		newID:   uuid.NewString,
		box:     newMailbox(),
		changed: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	counter, err := otel.Meter("github.com/loqalabs/shop-voice/session").Int64Counter("shopvoice.session.transitions",
		metric.WithDescription("Voice session state changes, by resulting status"))
	if err != nil {
		s.logger.Warn("failed to create transitions counter", slogError(err))
	}
	s.transitions = counter
	return s
}

// Run probes for a recognition backend once, then applies queued events
// until ctx is done. It may be called only once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.stopped)

	s.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.box.ready():
			for _, env := range s.box.drain() {
				s.apply(ctx, env.event)
				if env.done != nil {
					close(env.done)
				}
			}
		}
	}
}

// Start clears the result and asks the engine to capture. It is a no-op
// while listening or when recognition is unsupported. It returns once the
// request has been applied.
func (s *Session) Start(ctx context.Context) error {
	return s.request(ctx, startRequested{cycleID: s.newID()})
}

// Stop asks the engine to stop capturing. It never cancels a submission.
func (s *Session) Stop(ctx context.Context) error {
	return s.request(ctx, stopRequested{})
}

// Snapshot returns the current view.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.View()
}

// WaitUntil blocks until cond holds for the current view or ctx is done.
func (s *Session) WaitUntil(ctx context.Context, cond func(View) bool) (View, error) {
	for {
		s.mu.RLock()
		view := s.state.View()
		changed := s.changed
		s.mu.RUnlock()

		if cond(view) {
			return view, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return view, ctx.Err()
		}
	}
}

func (s *Session) request(ctx context.Context, ev event) error {
	done := make(chan struct{})
	s.box.post(envelope{event: ev, done: done})
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) probe(ctx context.Context) {
	ctor, ok := capability.Detect(s.env)
	if !ok {
		s.logger.Warn("speech recognition unsupported")
		s.apply(ctx, capabilityMissing{})
		return
	}
	engine, err := ctor(stt.DefaultSettings(), s.handlers())
	if err != nil {
		s.logger.Error("failed to construct recognition engine", slogError(err))
		s.apply(ctx, capabilityMissing{})
		return
	}
	s.engine = engine
	s.logger.Info("speech recognition ready")
}

func (s *Session) handlers() stt.Handlers {
	post := func(ev event) { s.box.post(envelope{event: ev}) }
	return stt.Handlers{
		OnStart:  func() { post(engineStarted{}) },
		OnEnd:    func() { post(engineEnded{}) },
		OnError:  func(code string) { post(engineFailed{code: code}) },
		OnResult: func(evt stt.ResultEvent) { post(engineResult{event: evt}) },
	}
}

func (s *Session) apply(ctx context.Context, ev event) {
	s.mu.Lock()
	prev := s.state
	next, cmds := transition(prev, ev)
	changed := !prev.equal(next)
	if changed {
		s.state = next
		close(s.changed)
		s.changed = make(chan struct{})
	}
	s.mu.Unlock()

	if changed {
		prevView, nextView := prev.View(), next.View()
		if prev.Status != next.Status {
			s.logger.Info("session status changed",
				slog.String("cycle_id", next.CycleID),
				slog.String("from", prev.Status.String()),
				slog.String("to", next.Status.String()))
			if s.transitions != nil {
				s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", next.Status.String())))
			}
		}
		for _, o := range s.observers {
			o.SessionChanged(ctx, prevView, nextView)
		}
	}

	for _, cmd := range cmds {
		s.execute(ctx, cmd)
	}
}

func (s *Session) execute(ctx context.Context, cmd command) {
	switch cmd := cmd.(type) {
	case startCapture:
		if s.engine == nil {
			return
		}
		if err := s.engine.Start(); err != nil {
			if errors.Is(err, stt.ErrAlreadyStarted) {
				s.logger.Debug("duplicate start ignored")
			} else {
				s.logger.Warn("recognition start failed", slogError(err))
			}
			s.apply(ctx, startRejected{err: err})
			return
		}
		s.apply(ctx, startAccepted{cycleID: cmd.cycleID})

	case stopCapture:
		if s.engine != nil {
			s.engine.Stop()
		}

	case submit:
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			res, err := s.asker.Ask(ctx, cmd.text)
			s.box.post(envelope{event: submissionSettled{generation: cmd.generation, result: res, err: err}})
		}()
	}
}

func (s *Session) shutdown() {
	if closer, ok := s.engine.(interface{ Close() }); ok {
		closer.Close()
	} else if s.engine != nil {
		s.engine.Stop()
	}
	s.tasks.Wait()
	s.logger.Info("voice session stopped")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
