package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/loqalabs/shop-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Subscriber is the part of *nats.Conn the bus engine needs.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type BusEngineConfig struct {
	DeviceID   string
	SampleRate int
	Channels   int
	Timeout    time.Duration
}

// busEngine captures audio frames published by an edge microphone. Capture
// ends on the first final frame or on Stop; the buffered utterance is then
// handed to the recognizer off the bus callback goroutine.
type busEngine struct {
	ctx        context.Context
	conn       Subscriber
	recognizer Recognizer
	cfg        BusEngineConfig
	settings   Settings
	handlers   Handlers
	logger     *slog.Logger

	mu         sync.Mutex
	capturing  bool
	finishing  bool
	sub        *nats.Subscription
	buffer     []byte
	sampleRate int
	channels   int
	wg         sync.WaitGroup
}

// NewBusConstructor exposes bus-fed recognition as a Constructor. ctx bounds
// in-flight transcriptions.
func NewBusConstructor(ctx context.Context, conn Subscriber, recognizer Recognizer, cfg BusEngineConfig, logger *slog.Logger) Constructor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return func(settings Settings, handlers Handlers) (Engine, error) {
		if conn == nil {
			return nil, errors.New("bus engine requires a bus connection")
		}
		if recognizer == nil {
			return nil, errors.New("bus engine requires a recognizer")
		}
		return &busEngine{
			ctx:        ctx,
			conn:       conn,
			recognizer: recognizer,
			cfg:        cfg,
			settings:   settings,
			handlers:   handlers,
			logger:     logger.With(slog.String("component", "stt-bus-engine"), slog.String("device", cfg.DeviceID)),
		}, nil
	}
}

func (e *busEngine) Start() error {
	e.mu.Lock()
	if e.capturing || e.finishing {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	sub, err := e.conn.Subscribe(protocol.AudioFrameSubject(e.cfg.DeviceID), e.handleFrame)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	e.sub = sub
	e.capturing = true
	e.buffer = nil
	e.sampleRate = e.cfg.SampleRate
	e.channels = e.cfg.Channels
	e.mu.Unlock()

	e.handlers.start()
	return nil
}

func (e *busEngine) Stop() {
	e.finish(true)
}

// Close waits for in-flight transcriptions.
func (e *busEngine) Close() {
	e.Stop()
	e.wg.Wait()
}

func (e *busEngine) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		e.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	e.mu.Lock()
	if !e.capturing {
		e.mu.Unlock()
		return
	}
	e.buffer = append(e.buffer, frame.PCM...)
	if frame.SampleRate > 0 {
		e.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		e.channels = frame.Channels
	}
	e.mu.Unlock()

	if frame.Final {
		e.finish(false)
	}
}

func (e *busEngine) finish(stopped bool) {
	e.mu.Lock()
	if !e.capturing {
		e.mu.Unlock()
		return
	}
	e.capturing = false
	e.finishing = true
	sub := e.sub
	e.sub = nil
	pcm := e.buffer
	e.buffer = nil
	sampleRate, channels := e.sampleRate, e.channels
	e.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("failed to unsubscribe audio frames", slogError(err))
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.transcribe(pcm, sampleRate, channels, stopped)

		e.handlers.end()
		e.mu.Lock()
		e.finishing = false
		e.mu.Unlock()
	}()
}

func (e *busEngine) transcribe(pcm []byte, sampleRate, channels int, stopped bool) {
	if len(pcm) == 0 {
		if !stopped {
			e.handlers.fail(ErrorNoSpeech)
		}
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	result, err := e.recognizer.Transcribe(ctx, pcm, sampleRate, channels, e.settings)
	if err != nil {
		e.logger.Warn("stt transcription failed", slogError(err))
		if e.ctx.Err() != nil {
			e.handlers.fail(ErrorAborted)
			return
		}
		e.handlers.fail(ErrorNetwork)
		return
	}
	if result.Text == "" {
		e.handlers.fail(ErrorNoSpeech)
		return
	}
	e.logger.Info("utterance transcribed",
		slog.Int("bytes", len(pcm)),
		slog.Duration("latency", time.Since(start)))
	e.handlers.result(finalEvent(e.settings, Alternative{Transcript: result.Text, Confidence: result.Confidence}))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
