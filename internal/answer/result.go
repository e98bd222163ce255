package answer

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Result is the value shown to the user: a service response, or the partial
// values the session writes while pending ({transcript}) or on failure
// ({error}). Optional fields are nil when absent.
type Result struct {
	Transcript *string
	Answer     *string
	Matches    []json.RawMessage
	Error      *string

	// Raw holds the service body exactly as received.
	Raw json.RawMessage
}

// Failed reports whether the result carries a non-empty error.
func (r Result) Failed() bool {
	return r.Error != nil && *r.Error != ""
}

// IsZero reports whether the result is the cleared value.
func (r Result) IsZero() bool {
	return r.Transcript == nil && r.Answer == nil && r.Matches == nil && r.Error == nil && r.Raw == nil
}

// WithTranscript returns a pending result.
func WithTranscript(text string) Result {
	return Result{Transcript: &text}
}

// WithError returns a failure result, keeping the transcript when known.
func WithError(transcript *string, msg string) Result {
	return Result{Transcript: transcript, Error: &msg}
}

// Equal reports whether both results hold the same values and body.
func (r Result) Equal(o Result) bool {
	if !equalString(r.Transcript, o.Transcript) || !equalString(r.Answer, o.Answer) || !equalString(r.Error, o.Error) {
		return false
	}
	if !bytes.Equal(r.Raw, o.Raw) || len(r.Matches) != len(o.Matches) {
		return false
	}
	for i := range r.Matches {
		if !bytes.Equal(r.Matches[i], o.Matches[i]) {
			return false
		}
	}
	return true
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type wireResult struct {
	Transcript *string           `json:"transcript,omitempty"`
	Answer     *string           `json:"answer,omitempty"`
	Matches    []json.RawMessage `json:"matches,omitempty"`
	Error      *string           `json:"error,omitempty"`
}

// MarshalJSON writes Raw verbatim when present.
func (r Result) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(wireResult{
		Transcript: r.Transcript,
		Answer:     r.Answer,
		Matches:    r.Matches,
		Error:      r.Error,
	})
}

// Decode parses a service body. Any valid JSON is accepted: fields of an
// unexpected type are kept as their JSON text, a non-object body yields a
// Result with only Raw set. Invalid JSON is an error.
func Decode(data []byte) (Result, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return Result{}, fmt.Errorf("response is not valid JSON")
	}
	res := Result{Raw: append(json.RawMessage(nil), trimmed...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return res, nil
	}
	res.Transcript = looseString(fields["transcript"])
	res.Answer = looseString(fields["answer"])
	res.Matches = looseArray(fields["matches"])
	if truthy(fields["error"]) {
		res.Error = looseString(fields["error"])
	}
	return res, nil
}

func looseString(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	s = string(raw)
	return &s
}

func looseArray(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

// truthy follows the loose truthiness the service's clients use for the
// error field: absent, null, false, 0 and "" mean no error.
func truthy(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f != 0
	}
	return true
}
