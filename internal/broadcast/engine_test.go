package broadcast

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

var start = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *repository.MemoryStore
	clock    *schedule.ManualClock
	recorder *channel.Recorder
	engine   *Engine
}

func newHarness(t *testing.T, leads ...domain.Lead) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	err := store.InTx(context.Background(), func(tx repository.Tx) error {
		for i := range leads {
			lead := leads[i]
			lead.CreatedAt = start.Add(time.Duration(i) * time.Second)
			if err := tx.CreateLead(context.Background(), &lead); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	clock := schedule.NewManualClock(start)
	recorder := channel.NewRecorder()
	return &harness{
		store:    store,
		clock:    clock,
		recorder: recorder,
		engine:   NewEngine(Dependencies{Store: store, Channel: recorder, Clock: clock}),
	}
}

func lead(id, phone, status string) domain.Lead {
	return domain.Lead{ID: id, Phone: phone, Status: status, FlowStatus: domain.FlowStatusOpen}
}

func retries(n int) *int { return &n }

func TestBroadcastRetryCounters(t *testing.T) {
	h := newHarness(t,
		lead("l1", "+5511900000001", "new"),
		lead("l2", "+5511900000002", "new"),
	)
	h.recorder.FailNext("+5511900000001", 2)
	h.recorder.FailNext("+5511900000002", 3)

	snapshot, err := h.engine.Start(context.Background(), StartRequest{
		Statuses:   []string{"new"},
		Message:    "Promoção de março",
		IntervalMs: 1000,
		MaxRetries: retries(2),
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusRunning, snapshot.Status)
	assert.Equal(t, 2, snapshot.Total)

	h.clock.Advance(time.Minute)

	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusCompleted, status.Status)
	assert.Equal(t, 1, status.Sent)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 2, status.Processed)
	assert.Zero(t, status.Pending)
	assert.Equal(t, "scripted failure", status.LastError)
	require.NotNil(t, status.FinishedAt)

	assert.Len(t, h.recorder.MessagesTo("+5511900000001"), 3)
	assert.Len(t, h.recorder.MessagesTo("+5511900000002"), 3)

	deliveries, err := h.engine.Deliveries(context.Background(), snapshot.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 6)
	attempts := map[string][]int{}
	for _, delivery := range deliveries {
		attempts[delivery.LeadID] = append(attempts[delivery.LeadID], delivery.Attempt)
	}
	assert.Equal(t, []int{1, 2, 3}, attempts["l1"])
	assert.Equal(t, []int{1, 2, 3}, attempts["l2"])
	assert.Equal(t, domain.DeliveryStatusSent, deliveries[len(deliveries)-2].Status)
}

func TestBroadcastPacesSendsByInterval(t *testing.T) {
	h := newHarness(t,
		lead("l1", "+5511900000001", "new"),
		lead("l2", "+5511900000002", "new"),
	)
	_, err := h.engine.Start(context.Background(), StartRequest{Statuses: []string{"new"}, Message: "oi", IntervalMs: 2000}, "admin")
	require.NoError(t, err)
	assert.Empty(t, h.recorder.Messages())

	h.clock.Advance(0)
	assert.Len(t, h.recorder.Messages(), 1)

	h.clock.Advance(1999 * time.Millisecond)
	assert.Len(t, h.recorder.Messages(), 1)

	h.clock.Advance(time.Millisecond)
	assert.Len(t, h.recorder.Messages(), 2)

	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusCompleted, status.Status)
	assert.Zero(t, h.clock.Pending())
}

func TestBroadcastRejectsConcurrentStart(t *testing.T) {
	h := newHarness(t, lead("l1", "+5511900000001", "new"))
	request := StartRequest{Statuses: []string{"new"}, Message: "oi"}

	_, err := h.engine.Start(context.Background(), request, "admin")
	require.NoError(t, err)

	_, err = h.engine.Start(context.Background(), request, "admin")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Already-running wins over validation.
	_, err = h.engine.Start(context.Background(), StartRequest{}, "admin")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestBroadcastNoTarget(t *testing.T) {
	h := newHarness(t, lead("l1", "+5511900000001", "won"))

	_, err := h.engine.Start(context.Background(), StartRequest{Statuses: []string{"new"}, Message: "oi"}, "admin")
	assert.ErrorIs(t, err, ErrNoTarget)

	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusIdle, status.Status)
}

func TestBroadcastValidation(t *testing.T) {
	h := newHarness(t, lead("l1", "+5511900000001", "new"))
	png := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})

	invalid := map[string]StartRequest{
		"no statuses":     {Message: "oi"},
		"blank statuses":  {Statuses: []string{" "}, Message: "oi"},
		"interval low":    {Statuses: []string{"new"}, Message: "oi", IntervalMs: 100},
		"interval high":   {Statuses: []string{"new"}, Message: "oi", IntervalMs: 600001},
		"retries high":    {Statuses: []string{"new"}, Message: "oi", MaxRetries: retries(6)},
		"retries low":     {Statuses: []string{"new"}, Message: "oi", MaxRetries: retries(-1)},
		"empty content":   {Statuses: []string{"new"}, Message: "  "},
		"bad mime":        {Statuses: []string{"new"}, Media: &MediaRequest{Base64: png, MimeType: "image/gif"}},
		"bad base64":      {Statuses: []string{"new"}, Media: &MediaRequest{Base64: "***", MimeType: "image/png"}},
		"blocked content": {Statuses: []string{"new"}, Message: "isso não é golpe"},
	}
	for name, request := range invalid {
		_, err := h.engine.Start(context.Background(), request, "admin")
		assert.ErrorIs(t, err, ErrInvalidFilter, name)
	}

	snapshot, err := h.engine.Start(context.Background(), StartRequest{
		Statuses: []string{"new"},
		Media:    &MediaRequest{Base64: "data:image/png;base64," + png, MimeType: "image/png", Filename: "promo.png"},
	}, "admin")
	require.NoError(t, err)
	assert.True(t, snapshot.HasMedia)
	assert.Equal(t, DefaultIntervalMs, snapshot.IntervalMs)
	assert.Equal(t, DefaultMaxRetries, snapshot.MaxRetries)

	h.clock.Advance(0)
	messages := h.recorder.Messages()
	require.Len(t, messages, 1)
	require.NotNil(t, messages[0].Media)
	assert.Equal(t, "image/png", messages[0].Media.MimeType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, messages[0].Media.Data)
}

func TestBroadcastDeduplicatesPhones(t *testing.T) {
	h := newHarness(t,
		lead("l1", "+5511900000001", "new"),
		lead("l2", "5511900000001", "contacted"),
		lead("l3", "+5511900000003", "contacted"),
		lead("l4", "", "new"),
	)

	snapshot, err := h.engine.Start(context.Background(), StartRequest{
		Statuses: []string{"new", "contacted"},
		Message:  "oi",
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Total)
}

func TestBroadcastStopCancelsPendingTicks(t *testing.T) {
	h := newHarness(t,
		lead("l1", "+5511900000001", "new"),
		lead("l2", "+5511900000002", "new"),
		lead("l3", "+5511900000003", "new"),
	)
	_, err := h.engine.Start(context.Background(), StartRequest{Statuses: []string{"new"}, Message: "oi", IntervalMs: 1000}, "admin")
	require.NoError(t, err)

	h.clock.Advance(0)
	require.Len(t, h.recorder.Messages(), 1)

	stopped, err := h.engine.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusStopped, stopped.Status)
	assert.Equal(t, 1, stopped.Sent)
	assert.Zero(t, h.clock.Pending())

	h.clock.Advance(time.Hour)
	assert.Len(t, h.recorder.Messages(), 1)

	_, err = h.engine.Start(context.Background(), StartRequest{Statuses: []string{"new"}, Message: "de novo"}, "admin")
	require.NoError(t, err)
}

// stoppingChannel stops the engine while a send is in flight.
type stoppingChannel struct {
	*channel.Recorder
	engine *Engine
}

func (c *stoppingChannel) SendText(ctx context.Context, to, body string) channel.SendResult {
	if _, err := c.engine.Stop(ctx); err != nil {
		panic(err)
	}
	return c.Recorder.SendText(ctx, to, body)
}

func TestBroadcastStopDuringSendLogsInFlightDelivery(t *testing.T) {
	h := newHarness(t,
		lead("l1", "+5511900000001", "new"),
		lead("l2", "+5511900000002", "new"),
	)
	stopping := &stoppingChannel{Recorder: h.recorder}
	engine := NewEngine(Dependencies{Store: h.store, Channel: stopping, Clock: h.clock})
	stopping.engine = engine

	snapshot, err := engine.Start(context.Background(), StartRequest{Statuses: []string{"new"}, Message: "oi"}, "admin")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	status, err := engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusStopped, status.Status)
	assert.Equal(t, 1, status.Sent)
	assert.Len(t, h.recorder.Messages(), 1)
	assert.Zero(t, h.clock.Pending())

	deliveries, err := engine.Deliveries(context.Background(), snapshot.ID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}

func TestBroadcastStatusIdle(t *testing.T) {
	h := newHarness(t)
	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusIdle, status.Status)
	assert.Empty(t, status.ID)

	stopped, err := h.engine.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusIdle, stopped.Status)
}

func TestMemoryJobStoreIsolatesCopies(t *testing.T) {
	store := NewMemoryJobStore()
	job := &domain.BroadcastJob{ID: "j1", Status: domain.BroadcastStatusRunning, Queue: []domain.BroadcastTarget{{LeadID: "l1"}}}
	require.NoError(t, store.Save(context.Background(), job))

	job.Queue[0].Attempts = 5
	loaded, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Zero(t, loaded.Queue[0].Attempts)

	_, err = store.Get(context.Background(), "other")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobStateOmitsMediaBytes(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 4096)
	job := &domain.BroadcastJob{
		ID:     "j1",
		Status: domain.BroadcastStatusRunning,
		Media:  &domain.BroadcastMedia{Data: data, MimeType: "image/png", Filename: "promo.png"},
		Queue:  []domain.BroadcastTarget{{LeadID: "l1", Phone: "+5511900000001"}},
		Total:  1,
	}

	payload, err := encodeJobState(job)
	require.NoError(t, err)
	assert.Less(t, len(payload), len(data))
	assert.Len(t, job.Media.Data, len(data))

	decoded, err := decodeJobState(payload)
	require.NoError(t, err)
	require.NotNil(t, decoded.Media)
	assert.Empty(t, decoded.Media.Data)
	assert.Equal(t, "image/png", decoded.Media.MimeType)
	assert.Equal(t, "promo.png", decoded.Media.Filename)
	assert.Equal(t, job.Queue, decoded.Queue)
}

func TestBroadcastAbandonedJobIsClosed(t *testing.T) {
	h := newHarness(t, lead("l1", "+5511900000001", "new"), lead("l2", "+5511900000002", "new"))
	ctx := context.Background()
	jobs := NewMemoryJobStore()

	// The first engine's clock never advances, as if its process died.
	dead := NewEngine(Dependencies{Jobs: jobs, Store: h.store, Channel: h.recorder, Clock: schedule.NewManualClock(start)})
	started, err := dead.Start(ctx, StartRequest{Statuses: []string{"new"}, Message: "Promoção", IntervalMs: 1000}, "admin")
	require.NoError(t, err)

	restarted := NewEngine(Dependencies{Jobs: jobs, Store: h.store, Channel: h.recorder, Clock: h.clock})
	h.clock.Advance(time.Minute)
	status, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastStatusRunning, status.Status)

	h.clock.Advance(time.Hour)
	status, err = restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, started.ID, status.ID)
	assert.Equal(t, domain.BroadcastStatusError, status.Status)
	assert.Equal(t, interruptedError, status.LastError)
	assert.Equal(t, 0, status.Processed)
	require.NotNil(t, status.FinishedAt)

	next, err := restarted.Start(ctx, StartRequest{Statuses: []string{"new"}, Message: "Promoção", IntervalMs: 1000}, "admin")
	require.NoError(t, err)
	assert.NotEqual(t, started.ID, next.ID)
	h.clock.Advance(0)
	assert.Len(t, h.recorder.Messages(), 1)
}

func TestBroadcastPolicyViolationIsInvalidFilter(t *testing.T) {
	h := newHarness(t, lead("l1", "+5511900000001", "new"))

	_, err := h.engine.Start(context.Background(), StartRequest{Statuses: []string{"new"}, Message: "isso não é golpe"}, "admin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.Contains(t, err.Error(), "content policy violation")
}
