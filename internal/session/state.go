package session

import (
	"errors"

	"github.com/loqalabs/shop-voice/internal/answer"
	"github.com/loqalabs/shop-voice/internal/stt"
)

// Status is the user-visible phase of the voice session.
type Status int

const (
	StatusIdle Status = iota
	StatusListening
	StatusProcessing
	StatusDone
	StatusFailed
	// StatusStopped is Idle reached by the engine ending without a result.
	StatusStopped
	// StatusUnsupported is permanent: no recognition backend was found.
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusListening:
		return "listening"
	case StatusProcessing:
		return "processing"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	case StatusUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// State is owned by the session loop. Listening is true iff Status is
// StatusListening.
type State struct {
	Status    Status
	Listening bool
	Result    answer.Result

	// EngineError is the code of the recognition error that put the session
	// into StatusFailed, empty for submission or service failures.
	EngineError string
	// CycleID identifies the current listen→answer cycle.
	CycleID string
	// Generation increases with every accepted start; submissions carry the
	// generation they were issued under.
	Generation uint64
}

func (s State) equal(o State) bool {
	return s.Status == o.Status &&
		s.Listening == o.Listening &&
		s.EngineError == o.EngineError &&
		s.CycleID == o.CycleID &&
		s.Generation == o.Generation &&
		s.Result.Equal(o.Result)
}

// Events fed to transition. Engine callbacks, user requests and submission
// completions all become events on the same queue.
type event interface{ isEvent() }

type (
	capabilityMissing struct{}
	startRequested    struct{ cycleID string }
	startAccepted     struct{ cycleID string }
	startRejected     struct{ err error }
	stopRequested     struct{}
	engineStarted     struct{}
	engineEnded       struct{}
	engineFailed      struct{ code string }
	engineResult      struct{ event stt.ResultEvent }
	submissionSettled struct {
		generation uint64
		result     answer.Result
		err        error
	}
)

func (capabilityMissing) isEvent() {}
func (startRequested) isEvent()    {}
func (startAccepted) isEvent()     {}
func (startRejected) isEvent()     {}
func (stopRequested) isEvent()     {}
func (engineStarted) isEvent()     {}
func (engineEnded) isEvent()       {}
func (engineFailed) isEvent()      {}
func (engineResult) isEvent()      {}
func (submissionSettled) isEvent() {}

// Commands are side effects the loop performs after a transition.
type command interface{ isCommand() }

type (
	startCapture struct{ cycleID string }
	stopCapture  struct{}
	submit       struct {
		generation uint64
		text       string
	}
)

func (startCapture) isCommand() {}
func (stopCapture) isCommand()  {}
func (submit) isCommand()       {}

const unknownEngineError = "unknown"

// transition is the whole session state machine. It is pure: it returns the
// next state and the commands to run, and never performs I/O.
func transition(s State, ev event) (State, []command) {
	if s.Status == StatusUnsupported {
		return s, nil
	}

	switch ev := ev.(type) {
	case capabilityMissing:
		return State{Status: StatusUnsupported}, nil

	case startRequested:
		if s.Listening {
			return s, nil
		}
		return s, []command{startCapture{cycleID: ev.cycleID}}

	case startAccepted:
		s.Result = answer.Result{}
		s.EngineError = ""
		s.CycleID = ev.cycleID
		s.Generation++
		return s, nil

	case startRejected:
		if errors.Is(ev.err, stt.ErrAlreadyStarted) {
			return s, nil
		}
		return failEngine(s, ev.err.Error()), nil

	case stopRequested:
		return s, []command{stopCapture{}}

	case engineStarted:
		s.Status = StatusListening
		s.Listening = true
		s.EngineError = ""
		return s, nil

	case engineEnded:
		s.Listening = false
		if s.Status == StatusListening {
			s.Status = StatusStopped
		}
		return s, nil

	case engineFailed:
		return failEngine(s, ev.code), nil

	case engineResult:
		text := ev.event.Transcript()
		s.Status = StatusProcessing
		s.Listening = false
		s.EngineError = ""
		s.Result = answer.WithTranscript(text)
		return s, []command{submit{generation: s.Generation, text: text}}

	case submissionSettled:
		if ev.generation != s.Generation || s.Status != StatusProcessing {
			return s, nil
		}
		if ev.err != nil {
			s.Status = StatusFailed
			s.Result = answer.WithError(s.Result.Transcript, answer.ErrSubmissionFailed.Error())
			return s, nil
		}
		s.Result = ev.result
		if ev.result.Failed() {
			s.Status = StatusFailed
		} else {
			s.Status = StatusDone
		}
		return s, nil
	}
	return s, nil
}

func failEngine(s State, code string) State {
	if code == "" {
		code = unknownEngineError
	}
	s.Status = StatusFailed
	s.Listening = false
	s.EngineError = code
	s.Result = answer.WithError(nil, code)
	return s
}
