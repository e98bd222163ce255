package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/shop-voice/internal/capability"
	"github.com/loqalabs/shop-voice/internal/config"
	"github.com/loqalabs/shop-voice/internal/stt"
)

// recognitionEnv exposes the configured backend under stt.api_name. With
// recognition disabled the environment is empty and the session reports
// itself unsupported.
func (r *Runtime) recognitionEnv(ctx context.Context) (capability.Env, error) {
	cfg := r.cfg.STT
	if !cfg.Enabled {
		r.logger.Info("speech recognition disabled")
		return capability.MapEnv{}, nil
	}

	var ctor stt.Constructor
	switch cfg.Mode {
	case "mock":
		ctor = stt.NewMockConstructor(cfg.MockTranscript, nil)
	case "bus":
		if r.bus == nil {
			return nil, fmt.Errorf("stt.mode=bus requires a bus connection")
		}
		recognizer, err := newRecognizer(cfg)
		if err != nil {
			return nil, err
		}
		ctor = stt.NewBusConstructor(ctx, r.bus.Conn(), recognizer, stt.BusEngineConfig{
			DeviceID:   cfg.DeviceID,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		}, r.logger)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}

	r.logger.Info("speech recognition backend configured",
		slog.String("mode", cfg.Mode),
		slog.String("api_name", cfg.APIName),
		slog.String("recognizer", cfg.Recognizer))
	return capability.MapEnv{cfg.APIName: ctor}, nil
}

func newRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	switch cfg.Recognizer {
	case "mock", "":
		return stt.NewMockRecognizer(cfg.MockTranscript), nil
	case "exec":
		rec, err := stt.NewExecRecognizer(cfg.Command, cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("exec recognizer: %w", err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unsupported stt recognizer %q", cfg.Recognizer)
	}
}
