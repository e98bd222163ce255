package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/loqalabs/shop-voice/internal/bus"
	"github.com/loqalabs/shop-voice/internal/eventstore"
	"github.com/loqalabs/shop-voice/internal/protocol"
	"github.com/loqalabs/shop-voice/internal/session"
	"github.com/nats-io/nats.go"
)

// journal records every status change of a cycle in the query journal.
type journal struct {
	store  *eventstore.Store
	device string
	logger *slog.Logger
}

func newJournal(store *eventstore.Store, device string, logger *slog.Logger) *journal {
	return &journal{store: store, device: device, logger: logger.With(slog.String("component", "query-journal"))}
}

func (j *journal) SessionChanged(ctx context.Context, prev, next session.View) {
	if next.CycleID == "" {
		return
	}
	if next.CycleID != prev.CycleID {
		if err := j.store.BeginQuery(ctx, next.CycleID, j.device); err != nil {
			j.logger.Warn("failed to begin query", slog.String("cycle_id", next.CycleID), slogError(err))
		}
	}
	if next.Status == prev.Status {
		return
	}

	payload, err := json.Marshal(next.Result)
	if err != nil {
		j.logger.Warn("failed to encode result", slogError(err))
	}
	evt := eventstore.Event{
		CycleID:    next.CycleID,
		Status:     next.Status,
		StatusText: next.StatusText,
		Transcript: deref(next.Result.Transcript),
		Answer:     deref(next.Result.Answer),
		Error:      deref(next.Result.Error),
		Payload:    payload,
	}
	if err := j.store.Record(ctx, evt); err != nil {
		j.logger.Warn("failed to record session change", slog.String("cycle_id", next.CycleID), slogError(err))
	}
}

// statusPublisher broadcasts every change on voice.session.status.
type statusPublisher struct {
	bus    *bus.Client
	logger *slog.Logger
	clock  func() time.Time
}

func newStatusPublisher(client *bus.Client, logger *slog.Logger) *statusPublisher {
	return &statusPublisher{bus: client, logger: logger.With(slog.String("component", "status-publisher")), clock: time.Now}
}

func (p *statusPublisher) SessionChanged(_ context.Context, prev, next session.View) {
	// An accepted start only rotates the cycle; the status still belongs to
	// the previous one until the engine reports.
	if startsCycle(prev, next) {
		return
	}
	msg := statusMessage(next, p.clock())
	if err := p.bus.PublishJSON(protocol.SubjectSessionStatus, msg); err != nil {
		p.logger.Warn("failed to publish session status", slogError(err))
	}
}

func statusMessage(v session.View, now time.Time) protocol.SessionStatus {
	return protocol.SessionStatus{
		CycleID:    v.CycleID,
		Status:     v.Status,
		StatusText: v.StatusText,
		Listening:  v.Listening,
		Transcript: v.Result.Transcript,
		Answer:     v.Result.Answer,
		Error:      v.Result.Error,
		Timestamp:  now.UTC(),
	}
}

// controller is the part of the session edge buttons drive.
type controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// subscribeControl lets edge buttons start and stop listening over the bus.
func subscribeControl(ctx context.Context, client *bus.Client, sess controller, logger *slog.Logger) (*nats.Subscription, error) {
	log := logger.With(slog.String("component", "session-control"))
	return client.Conn().Subscribe(protocol.SubjectSessionControl, func(msg *nats.Msg) {
		var ctl protocol.SessionControl
		if err := json.Unmarshal(msg.Data, &ctl); err != nil {
			log.Warn("invalid session control payload", slogError(err))
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var err error
		switch ctl.Action {
		case protocol.ActionStart:
			err = sess.Start(reqCtx)
		case protocol.ActionStop:
			err = sess.Stop(reqCtx)
		default:
			log.Warn("unknown session control action", slog.String("action", ctl.Action))
			return
		}
		if err != nil {
			log.Warn("session control failed", slog.String("action", ctl.Action), slogError(err))
			return
		}
		log.Debug("session control applied", slog.String("action", ctl.Action))
	})
}

// startsCycle reports a change that only assigns a new cycle ID.
func startsCycle(prev, next session.View) bool {
	return next.CycleID != prev.CycleID && next.Status == prev.Status
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
