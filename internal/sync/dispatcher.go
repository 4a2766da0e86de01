package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/store"
)

const (
	dispatchBatch = 100
	retryBackoff  = 10 * time.Second
	idleWait      = 500 * time.Millisecond
	errorWait     = time.Second
)

// Outbox is the queue of events waiting for publication.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers one event. msgID is used for broker-side de-duplication.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into a Publisher.
type Dispatcher struct {
	outbox    Outbox
	publisher Publisher
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(outbox Outbox, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		sleep:     sleep,
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("error dequeuing outbox")
			wait = errorWait
		case n == 0:
			wait = idleWait
		}
		if ctx.Err() != nil {
			return
		}
		if wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return
			}
		}
	}
}

// DispatchOnce publishes one batch and returns how many messages it
// handled. Failed publishes are rescheduled, not returned as errors.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, dispatchBatch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Warn().Err(err).Int64("outbox_id", msg.ID).Int("retries", msg.Retries).Msg("error publishing message")
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, retryBackoff); err != nil {
				log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error scheduling retry")
			}
			continue
		}

		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error marking message as published")
		}
	}
	return len(messages), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
