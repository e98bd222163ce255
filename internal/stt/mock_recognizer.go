package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that answers with text, or with a
// length marker when text is empty.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, settings Settings) (TranscriptResult, error) {
	if m.text != "" {
		return TranscriptResult{Text: m.text, Confidence: 1}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", settings.Lang, len(pcm)),
		Confidence: 0,
	}, nil
}
