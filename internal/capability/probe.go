// Package capability detects whether the host exposes a speech-recognition
// backend the voice session can use.
package capability

import (
	"github.com/loqalabs/shop-voice/internal/stt"
)

// Names a recognition backend may be exposed under, in lookup order.
const (
	StandardName = "SpeechRecognition"
	VendorName   = "webkitSpeechRecognition"
)

// Env is the host environment a probe inspects.
type Env interface {
	Lookup(name string) (stt.Constructor, bool)
}

// MapEnv is an Env backed by a plain map.
type MapEnv map[string]stt.Constructor

func (m MapEnv) Lookup(name string) (stt.Constructor, bool) {
	ctor, ok := m[name]
	return ctor, ok && ctor != nil
}

// Detect returns the first constructor found under StandardName or
// VendorName. A nil env reports unsupported.
func Detect(env Env) (stt.Constructor, bool) {
	if env == nil {
		return nil, false
	}
	for _, name := range []string{StandardName, VendorName} {
		if ctor, ok := env.Lookup(name); ok {
			return ctor, true
		}
	}
	return nil, false
}
