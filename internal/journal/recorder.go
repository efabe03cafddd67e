package journal

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vrs-kit/vrs/internal/events"
	"github.com/vrs-kit/vrs/internal/service"
	"github.com/vrs-kit/vrs/internal/session"
)

const recordTimeout = 5 * time.Second

// Subscriber is the consumer side of the event bus.
type Subscriber interface {
	SubscribeAll(handler events.Handler, options ...events.SubscribeOption)
}

// Record journals session progress events from bus into store. A single
// lossless handler keeps session rows ahead of their checks, so a burst of
// checks never costs the journal its verdict row. Write failures are logged
// and never reach the session.
func Record(bus Subscriber, store *Store, logger *log.Logger) {
	if bus == nil || store == nil {
		return
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	bus.SubscribeAll(func(event events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := store.apply(ctx, event); err != nil {
			logger.Warn("journal write failed", "event", event.Type, "session_id", event.SessionID, "err", err)
		}
	}, events.Lossless())
}

func (s *Store) apply(ctx context.Context, event events.Event) error {
	switch payload := event.Payload.(type) {
	case session.Meta:
		if event.Type != events.EventTypeSessionStarted {
			return nil
		}
		return s.RecordSession(ctx, SessionRecord{
			SessionID: event.SessionID,
			TestName:  payload.TestName,
			Run:       payload.Run,
			RunIdent:  payload.RunIdent,
			Branch:    payload.Branch,
			App:       payload.App,
			Suite:     payload.Suite,
			OS:        payload.Env.OS,
			Browser:   payload.Env.BrowserName,
			Viewport:  payload.Env.Viewport,
			StartedAt: event.Timestamp,
		})
	case service.CheckResult:
		if event.Type != events.EventTypeCheckSubmitted {
			return nil
		}
		return s.RecordCheck(ctx, CheckRecord{
			SessionID: event.SessionID,
			CheckID:   payload.ID,
			Name:      event.Subject,
			Status:    payload.Status.String(),
			DiffLink:  payload.DiffLink,
			CreatedAt: event.Timestamp,
		})
	case session.Stopped:
		if event.Type != events.EventTypeSessionStopped {
			return nil
		}
		return s.RecordVerdict(ctx, event.SessionID, string(payload.Verdict), payload.BlinkingCount, payload.Err)
	default:
		return nil
	}
}
