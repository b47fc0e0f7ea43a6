package events

import (
	"context"
	"errors"
	"log/slog"

	"deployline/internal/domain"
)

// Publisher forwards committed events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishAll publishes events in order. Failures are logged and do not
// stop later events; the event log stays the source of truth.
func PublishAll(ctx context.Context, p Publisher, logger *slog.Logger, evts []domain.Event) {
	if p == nil {
		return
	}
	for _, evt := range evts {
		if err := p.Publish(ctx, evt); err != nil && logger != nil {
			logger.Warn("event publish failed",
				"event_id", evt.ID,
				"type", evt.Type,
				"deployment_id", evt.DeploymentID,
				"error", err)
		}
	}
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt domain.Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt domain.Event) error { return f(ctx, evt) }
