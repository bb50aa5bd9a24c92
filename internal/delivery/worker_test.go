package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/storage"
)

type scriptedSender struct {
	mu      sync.Mutex
	outcome []bool
	calls   int
}

func (s *scriptedSender) Send(_ context.Context, ch models.Channel, _ models.Content) *SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := true
	if s.calls < len(s.outcome) {
		ok = s.outcome[s.calls]
	}
	s.calls++
	if !ok {
		return &SendResult{Error: "Failed to deliver " + string(ch) + " message", LatencyMs: 3}
	}
	return &SendResult{LatencyMs: 3}
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []models.DeliveryResult
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, exchange, key string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	var r models.DeliveryResult
	if err := json.Unmarshal(body, &r); err != nil {
		return err
	}
	p.mu.Lock()
	p.results = append(p.results, r)
	p.mu.Unlock()
	return nil
}

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "delivery.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func queued(t *testing.T, ch models.Channel) (models.QueuedMessage, []byte) {
	t.Helper()
	qm := models.QueuedMessage{
		ID:        models.NewID("msg"),
		TraceID:   models.NewTraceID(),
		Channel:   ch,
		Content:   models.Content{Recipient: "+15550001", Body: "hello"},
		Timestamp: models.Timestamp(time.Now()),
	}
	body, err := json.Marshal(qm)
	require.NoError(t, err)
	return qm, body
}

func TestWorkerDelivered(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	pub := &recordingPublisher{}
	w := NewWorker(models.ChannelSMS, store, &scriptedSender{outcome: []bool{true}}, pub, nil, zerolog.Nop())

	qm, body := queued(t, models.ChannelSMS)
	require.NoError(t, w.Handle(ctx, body))

	d, err := store.GetDelivery(ctx, qm.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, models.StatusDelivered, d.Status)
	assert.NotNil(t, d.DeliveredAt)
	assert.Equal(t, qm.TraceID, d.TraceID)

	require.Len(t, pub.results, 1)
	r := pub.results[0]
	assert.Equal(t, qm.ID, r.MessageID)
	assert.Equal(t, qm.TraceID, r.TraceID)
	assert.Equal(t, models.StatusDelivered, r.Status)
	assert.Equal(t, d.DeliveryID, r.DeliveryID)
	assert.Empty(t, r.Error)

	attempts, err := store.GetAttemptsByMessage(ctx, qm.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, r.DeliveryID, attempts[0].ID)
}

func TestWorkerFailedReturnsTransientError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	pub := &recordingPublisher{}
	w := NewWorker(models.ChannelEmail, store, &scriptedSender{outcome: []bool{false}}, pub, nil, zerolog.Nop())

	qm, body := queued(t, models.ChannelEmail)
	err := w.Handle(ctx, body)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientDelivery)

	d, err := store.GetDelivery(ctx, qm.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Equal(t, "Failed to deliver email message", d.Error)
	assert.Nil(t, d.DeliveredAt)

	require.Len(t, pub.results, 1)
	assert.Equal(t, models.StatusFailed, pub.results[0].Status)
	assert.Equal(t, "Failed to deliver email message", pub.results[0].Error)
}

func TestWorkerDeliveryIDNotReused(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	pub := &recordingPublisher{}
	w := NewWorker(models.ChannelSMS, store, &scriptedSender{outcome: []bool{false, true}}, pub, nil, zerolog.Nop())

	qm, body := queued(t, models.ChannelSMS)
	require.Error(t, w.Handle(ctx, body))
	require.NoError(t, w.Handle(ctx, body))

	require.Len(t, pub.results, 2)
	assert.NotEqual(t, pub.results[0].DeliveryID, pub.results[1].DeliveryID)

	d, err := store.GetDelivery(ctx, qm.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, d.Status)
	assert.Equal(t, pub.results[1].DeliveryID, d.DeliveryID)

	attempts, err := store.GetAttemptsByMessage(ctx, qm.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestWorkerResultPublishFailureRejects(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	pub := &recordingPublisher{err: broker.ErrUnavailable}
	w := NewWorker(models.ChannelSMS, store, &scriptedSender{}, pub, nil, zerolog.Nop())

	qm, body := queued(t, models.ChannelSMS)
	err := w.Handle(ctx, body)
	assert.True(t, errors.Is(err, broker.ErrUnavailable))

	// The delivered record stays; the router reconciles the unknown outcome.
	d, err := store.GetDelivery(ctx, qm.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, d.Status)
}

func TestWorkerMalformedPayload(t *testing.T) {
	w := NewWorker(models.ChannelSMS, newStore(t), &scriptedSender{}, &recordingPublisher{}, nil, zerolog.Nop())
	assert.Error(t, w.Handle(context.Background(), []byte("{not json")))
}

func TestPoolConsumesPerChannel(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	mem := broker.NewMemory(broker.DefaultTopology(), zerolog.Nop())
	t.Cleanup(func() { mem.Close() })

	sender := &scriptedSender{outcome: []bool{true, false}}
	pool := NewPoolWithSender([]models.Channel{models.ChannelEmail, models.ChannelSMS}, sender, mem, store, nil, zerolog.Nop())
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	_, body := queued(t, models.ChannelEmail)
	require.NoError(t, mem.Publish(ctx, broker.MessageExchange, "email", body))
	require.Eventually(t, func() bool { return mem.Acks()+mem.Rejects() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, body = queued(t, models.ChannelSMS)
	require.NoError(t, mem.Publish(ctx, broker.MessageExchange, "sms", body))
	require.Eventually(t, func() bool { return mem.Acks()+mem.Rejects() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, mem.Acks())
	assert.EqualValues(t, 1, mem.Rejects())
	assert.Equal(t, 2, mem.Depth(broker.ResultsQueue))
}

func TestSimulatedSender(t *testing.T) {
	always := NewSimulatedSender(1, 0, 0)
	res := always.Send(context.Background(), models.ChannelSMS, models.Content{})
	assert.True(t, res.OK())

	never := NewSimulatedSender(0, 0, 0)
	res = never.Send(context.Background(), models.ChannelWhatsApp, models.Content{})
	assert.False(t, res.OK())
	assert.Equal(t, "Failed to deliver whatsapp message", res.Error)

	slow := NewSimulatedSender(1, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = slow.Send(ctx, models.ChannelEmail, models.Content{})
	assert.False(t, res.OK())
}
