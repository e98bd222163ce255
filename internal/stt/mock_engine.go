package stt

import "sync"

// MockEngine is an in-process engine. With a non-empty transcript it behaves
// like a speaker who answers immediately: start, result, end. Otherwise it
// captures until Stop or until the caller drives it with Emit/Fail.
type MockEngine struct {
	settings   Settings
	handlers   Handlers
	transcript string

	mu        sync.Mutex
	capturing bool
	starts    int
	stops     int
	rejectErr error
}

// NewMockConstructor returns a Constructor producing MockEngines. Every
// engine built is also sent to created when it is non-nil.
func NewMockConstructor(transcript string, created chan<- *MockEngine) Constructor {
	return func(settings Settings, handlers Handlers) (Engine, error) {
		eng := &MockEngine{settings: settings, handlers: handlers, transcript: transcript}
		if created != nil {
			created <- eng
		}
		return eng, nil
	}
}

func (m *MockEngine) Settings() Settings { return m.settings }

// RejectNextStart makes the next Start return err without capturing.
func (m *MockEngine) RejectNextStart(err error) {
	m.mu.Lock()
	m.rejectErr = err
	m.mu.Unlock()
}

func (m *MockEngine) Start() error {
	m.mu.Lock()
	if m.rejectErr != nil {
		err := m.rejectErr
		m.rejectErr = nil
		m.mu.Unlock()
		return err
	}
	if m.capturing {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.capturing = true
	m.starts++
	m.mu.Unlock()

	m.handlers.start()
	if m.transcript != "" {
		m.Emit(m.transcript)
	}
	return nil
}

func (m *MockEngine) Stop() {
	m.mu.Lock()
	m.stops++
	if !m.capturing {
		m.mu.Unlock()
		return
	}
	m.capturing = false
	m.mu.Unlock()
	m.handlers.end()
}

// Emit completes the current utterance with the given transcript.
func (m *MockEngine) Emit(transcript string) {
	m.EmitEvent(finalEvent(m.settings, Alternative{Transcript: transcript, Confidence: 1}))
}

// EmitEvent completes the current utterance with an arbitrary event.
func (m *MockEngine) EmitEvent(evt ResultEvent) {
	if !m.finish() {
		return
	}
	m.handlers.result(evt)
	m.handlers.end()
}

// Fail aborts the current utterance with an error code.
func (m *MockEngine) Fail(code string) {
	if !m.finish() {
		return
	}
	m.handlers.fail(code)
	m.handlers.end()
}

func (m *MockEngine) finish() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.capturing {
		return false
	}
	m.capturing = false
	return true
}

func (m *MockEngine) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

func (m *MockEngine) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *MockEngine) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}
