package stt

import "errors"

// ErrAlreadyStarted is returned by Engine.Start while a capture is already
// running or about to run.
var ErrAlreadyStarted = errors.New("recognition already started")

// Error codes reported through Handlers.OnError.
const (
	ErrorNoSpeech     = "no-speech"
	ErrorAborted      = "aborted"
	ErrorAudioCapture = "audio-capture"
	ErrorNetwork      = "network"
	ErrorNotAllowed   = "not-allowed"
)

// Settings configures an engine instance.
type Settings struct {
	Lang            string
	InterimResults  bool
	MaxAlternatives int
}

// DefaultSettings returns the only configuration the voice session uses:
// Thai locale, final results only, top hypothesis only.
func DefaultSettings() Settings {
	return Settings{
		Lang:            "th-TH",
		InterimResults:  false,
		MaxAlternatives: 1,
	}
}

// Alternative is one recognition hypothesis.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Result groups the alternatives for one recognized segment.
type Result struct {
	Final        bool
	Alternatives []Alternative
}

// ResultEvent is delivered once per completed utterance.
type ResultEvent struct {
	Results []Result
}

// Transcript returns the top alternative of the first final result, or ""
// when the event carries no usable hypothesis.
func (e ResultEvent) Transcript() string {
	for _, r := range e.Results {
		if !r.Final {
			continue
		}
		if len(r.Alternatives) == 0 {
			return ""
		}
		return r.Alternatives[0].Transcript
	}
	return ""
}

// Handlers are the engine callback slots. Engines fire them in the order
// OnStart, then exactly one of OnResult/OnError (or neither when stopped
// without audio), then OnEnd.
type Handlers struct {
	OnStart  func()
	OnEnd    func()
	OnError  func(code string)
	OnResult func(ResultEvent)
}

func (h Handlers) start() {
	if h.OnStart != nil {
		h.OnStart()
	}
}

func (h Handlers) end() {
	if h.OnEnd != nil {
		h.OnEnd()
	}
}

func (h Handlers) fail(code string) {
	if h.OnError != nil {
		h.OnError(code)
	}
}

func (h Handlers) result(evt ResultEvent) {
	if h.OnResult != nil {
		h.OnResult(evt)
	}
}

// Engine is a single speech-recognition instance.
type Engine interface {
	Start() error
	Stop()
}

// Constructor builds an engine bound to the given handlers.
type Constructor func(settings Settings, handlers Handlers) (Engine, error)

// finalEvent wraps recognizer output into a single final result, truncated
// to the configured number of alternatives.
func finalEvent(settings Settings, alternatives ...Alternative) ResultEvent {
	if settings.MaxAlternatives > 0 && len(alternatives) > settings.MaxAlternatives {
		alternatives = alternatives[:settings.MaxAlternatives]
	}
	return ResultEvent{Results: []Result{{Final: true, Alternatives: alternatives}}}
}
