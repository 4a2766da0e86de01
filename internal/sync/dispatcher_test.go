package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-ingest/internal/store"
)

type published struct {
	subject string
	msgID   string
	payload []byte
}

type fakePublisher struct {
	fail map[string]error
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, subject string, payload []byte, msgID string) error {
	if err := p.fail[msgID]; err != nil {
		delete(p.fail, msgID)
		return err
	}
	p.sent = append(p.sent, published{subject: subject, msgID: msgID, payload: payload})
	return nil
}

func TestDispatchOnce(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newStore(t, store.WithOutbox(), store.WithClock(func() time.Time { return now }))
	acct := newAccount(t, s, "ops@example.com", true)
	ctx := context.Background()

	src := &fakeSource{mailboxes: map[string][]json.RawMessage{"ops@example.com": messages(2)}}
	res := newRunner(src, s).FetchAccount(ctx, acct, FetchOptions{})
	require.Equal(t, 2, res.Count)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	pub := &fakePublisher{fail: map[string]error{pending[0].MsgID: errors.New("nats: timeout")}}
	d := NewDispatcher(s, pub)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, pending[1].MsgID, pub.sent[0].msgID)
	assert.Equal(t, store.IngestedSubject(acct.ID), pub.sent[0].subject)

	var event store.EmailIngested
	require.NoError(t, json.Unmarshal(pub.sent[0].payload, &event))
	assert.Equal(t, "m001", event.GraphID)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed message waits for its retry time")

	now = now.Add(retryBackoff + time.Second)
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, pending[0].MsgID, pub.sent[1].msgID)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type brokenOutbox struct {
	Outbox
}

func (brokenOutbox) DequeueOutbox(context.Context, int) ([]store.OutboxMessage, error) {
	return nil, errors.New("disk I/O error")
}

func TestDispatcherRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration

	d := NewDispatcher(brokenOutbox{}, &fakePublisher{})
	d.sleep = func(ctx context.Context, wait time.Duration) error {
		waits = append(waits, wait)
		if len(waits) == 2 {
			cancel()
		}
		return ctx.Err()
	}

	d.Run(ctx)
	assert.Equal(t, []time.Duration{errorWait, errorWait}, waits)
}
