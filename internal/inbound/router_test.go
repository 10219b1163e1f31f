package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/distribution"
	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

const (
	agentPhone  = "+5511900000001"
	clientPhone = "+5511988887777"
)

type harness struct {
	store    *repository.MemoryStore
	clock    *schedule.ManualClock
	recorder *channel.Recorder
	engine   *distribution.Engine
	router   *Router
}

// 10:00 in São Paulo.
var businessHours = time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := schedule.NewManualClock(now)
	recorder := channel.NewRecorder()

	err := store.InTx(context.Background(), func(tx repository.Tx) error {
		if err := tx.SaveAgent(context.Background(), &domain.SalesAgent{ID: "A", Name: "Alice", Phone: agentPhone, Active: true}); err != nil {
			return err
		}
		return tx.SaveQueueEntry(context.Background(), domain.QueueEntry{SalesID: "A", Order: 1, Active: true})
	})
	require.NoError(t, err)

	engine := distribution.NewEngine(distribution.Dependencies{Store: store, Channel: recorder, Clock: clock})
	return &harness{
		store:    store,
		clock:    clock,
		recorder: recorder,
		engine:   engine,
		router:   NewRouter(Dependencies{Store: store, Engine: engine, Channel: recorder, Clock: clock}),
	}
}

func (h *harness) count(t *testing.T, leadID string) (attempts, activities int) {
	t.Helper()
	err := h.store.InTx(context.Background(), func(tx repository.Tx) error {
		items, err := tx.ListActivities(context.Background(), leadID)
		if err != nil {
			return err
		}
		activities = len(items)
		cycle, err := tx.LatestCycle(context.Background(), leadID)
		if err != nil {
			return nil
		}
		list, err := tx.ListAttempts(context.Background(), cycle.ID)
		attempts = len(list)
		return err
	})
	require.NoError(t, err)
	return attempts, activities
}

func clientEvent(id, text string) domain.InboundMessageEvent {
	return domain.InboundMessageEvent{
		FromChannelID:     "5511988887777",
		Text:              text,
		ProviderMessageID: id,
		DisplayName:       "Maria",
	}
}

func TestFirstClientMessageStartsDistribution(t *testing.T) {
	h := newHarness(t, businessHours)
	ctx := context.Background()

	result, err := h.router.RouteAndReply(ctx, clientEvent("wamid.1", "Oi, quero um orçamento"))
	require.NoError(t, err)
	assert.Equal(t, KindClientMessage, result.Kind)
	assert.True(t, result.FirstClientMessage)
	assert.True(t, result.WithinHours)
	assert.Equal(t, distribution.ReplyClientWait, result.AutoReply)
	require.NotEmpty(t, result.LeadID)

	state, err := h.engine.CycleState(ctx, result.LeadID)
	require.NoError(t, err)
	require.NotNil(t, state.Cycle)
	require.Len(t, state.Attempts, 1)
	assert.Equal(t, "A", state.Attempts[0].SalesID)

	require.Len(t, h.recorder.MessagesTo(agentPhone), 1)
	clientMessages := h.recorder.MessagesTo(clientPhone)
	require.Len(t, clientMessages, 1)
	assert.Equal(t, distribution.ReplyClientWait, clientMessages[0].Body)

	second, err := h.router.RouteAndReply(ctx, clientEvent("wamid.2", "Alguém aí?"))
	require.NoError(t, err)
	assert.Equal(t, result.LeadID, second.LeadID)
	assert.False(t, second.FirstClientMessage)
	assert.Empty(t, second.AutoReply)
	assert.Len(t, h.recorder.MessagesTo(clientPhone), 1)
}

// failingCycleStore fails the next CreateCycle calls inside its transactions.
type failingCycleStore struct {
	repository.Store
	failures int
}

func (s *failingCycleStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.InTx(ctx, func(tx repository.Tx) error {
		return fn(&failingCycleTx{Tx: tx, store: s})
	})
}

type failingCycleTx struct {
	repository.Tx
	store *failingCycleStore
}

func (tx *failingCycleTx) CreateCycle(ctx context.Context, cycle *domain.DistributionCycle) error {
	if tx.store.failures > 0 {
		tx.store.failures--
		return errors.New("transient db error")
	}
	return tx.Tx.CreateCycle(ctx, cycle)
}

func TestFailedDistributionStartLeavesNoPartialState(t *testing.T) {
	h := newHarness(t, businessHours)
	ctx := context.Background()
	flaky := &failingCycleStore{Store: h.store, failures: 1}
	router := NewRouter(Dependencies{Store: flaky, Engine: h.engine, Channel: h.recorder, Clock: h.clock})

	_, err := router.Route(ctx, clientEvent("wamid.1", "Oi"))
	require.Error(t, err)
	assert.Empty(t, h.recorder.Messages())

	err = h.store.InTx(ctx, func(tx repository.Tx) error {
		exists, err := tx.InboundMessageExists(ctx, "wamid.1")
		require.NoError(t, err)
		assert.False(t, exists)
		_, err = tx.FindLatestLeadByPhone(ctx, clientPhone)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	redelivered, err := router.Route(ctx, clientEvent("wamid.1", "Oi"))
	require.NoError(t, err)
	assert.Equal(t, KindClientMessage, redelivered.Kind)
	assert.True(t, redelivered.FirstClientMessage)

	attempts, _ := h.count(t, redelivered.LeadID)
	assert.Equal(t, 1, attempts)
	assert.Len(t, h.recorder.MessagesTo(agentPhone), 1)
}

// callLogStore records the phone lock and lookup calls made inside its transactions.
type callLogStore struct {
	repository.Store
	calls []string
}

func (s *callLogStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.InTx(ctx, func(tx repository.Tx) error {
		return fn(&callLogTx{Tx: tx, store: s})
	})
}

type callLogTx struct {
	repository.Tx
	store *callLogStore
}

func (tx *callLogTx) LockPhone(ctx context.Context, phone string) error {
	tx.store.calls = append(tx.store.calls, "lock "+phone)
	return tx.Tx.LockPhone(ctx, phone)
}

func (tx *callLogTx) FindLatestLeadByPhone(ctx context.Context, phone string) (*domain.Lead, error) {
	tx.store.calls = append(tx.store.calls, "find "+phone)
	return tx.Tx.FindLatestLeadByPhone(ctx, phone)
}

func TestClientLeadLookupHoldsPhoneLock(t *testing.T) {
	h := newHarness(t, businessHours)
	ctx := context.Background()
	logged := &callLogStore{Store: h.store}
	router := NewRouter(Dependencies{Store: logged, Engine: h.engine, Channel: h.recorder, Clock: h.clock})

	first, err := router.Route(ctx, clientEvent("wamid.1", "Oi"))
	require.NoError(t, err)
	second, err := router.Route(ctx, clientEvent("wamid.2", "Oi de novo"))
	require.NoError(t, err)

	assert.Equal(t, first.LeadID, second.LeadID)
	assert.Equal(t, []string{
		"lock " + clientPhone, "find " + clientPhone,
		"lock " + clientPhone, "find " + clientPhone,
	}, logged.calls)
}

func TestClientOutsideHoursIsHeldButDistributed(t *testing.T) {
	// 23:00 in São Paulo.
	h := newHarness(t, time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC))
	ctx := context.Background()

	result, err := h.router.Route(ctx, clientEvent("wamid.1", "Boa noite"))
	require.NoError(t, err)
	assert.False(t, result.WithinHours)
	assert.Equal(t, domain.DefaultSystemSettings().OutsideHoursReply, result.AutoReply)

	err = h.store.InTx(ctx, func(tx repository.Tx) error {
		lead, err := tx.GetLead(ctx, result.LeadID)
		require.NoError(t, err)
		assert.Equal(t, domain.FlowStatusHold, lead.FlowStatus)
		assert.Equal(t, "Maria", lead.Name)
		return nil
	})
	require.NoError(t, err)

	attempts, _ := h.count(t, result.LeadID)
	assert.Equal(t, 1, attempts)
}

func TestDuplicateDeliveryIsSuppressed(t *testing.T) {
	h := newHarness(t, businessHours)
	ctx := context.Background()

	first, err := h.router.Route(ctx, clientEvent("wamid.dup", "Olá"))
	require.NoError(t, err)
	attemptsBefore, activitiesBefore := h.count(t, first.LeadID)
	sentBefore := len(h.recorder.Messages())

	second, err := h.router.Route(ctx, clientEvent("wamid.dup", "Olá"))
	require.NoError(t, err)
	assert.Equal(t, KindDuplicate, second.Kind)

	attemptsAfter, activitiesAfter := h.count(t, first.LeadID)
	assert.Equal(t, attemptsBefore, attemptsAfter)
	assert.Equal(t, activitiesBefore, activitiesAfter)
	assert.Len(t, h.recorder.Messages(), sentBefore)
}

func TestAgentAcknowledgePath(t *testing.T) {
	h := newHarness(t, businessHours)
	ctx := context.Background()

	client, err := h.router.Route(ctx, clientEvent("wamid.1", "Oi"))
	require.NoError(t, err)

	result, err := h.router.Route(ctx, domain.InboundMessageEvent{
		FromChannelID:     "5511900000001",
		Text:              "Ok",
		ProviderMessageID: "wamid.ack",
	})
	require.NoError(t, err)
	assert.Equal(t, KindSalesMessage, result.Kind)
	assert.Equal(t, client.LeadID, result.LeadID)
	assert.Equal(t, "A", result.SalesID)
	require.NotNil(t, result.Ack)
	assert.True(t, result.Ack.Accepted)

	agentMessages := h.recorder.MessagesTo(agentPhone)
	require.Len(t, agentMessages, 2)
	assert.Contains(t, agentMessages[1].Body, "atribuído a você")

	again, err := h.router.Route(ctx, domain.InboundMessageEvent{
		FromChannelID:     "5511900000001",
		Text:              "ok",
		ProviderMessageID: "wamid.ack2",
	})
	require.NoError(t, err)
	assert.Equal(t, KindSalesMessageNoPendingLead, again.Kind)
	assert.Equal(t, distribution.AckAlreadyAccepted, again.Reason)
	assert.Equal(t, distribution.ReplyAlreadyAccepted, again.Reply)
}

func TestAgentWithoutAttempts(t *testing.T) {
	h := newHarness(t, businessHours)

	result, err := h.router.Route(context.Background(), domain.InboundMessageEvent{FromChannelID: agentPhone, Text: "ok"})
	require.NoError(t, err)
	assert.Equal(t, KindSalesMessageNoPendingLead, result.Kind)
	assert.Equal(t, distribution.AckNoPending, result.Reason)
	assert.Equal(t, distribution.ReplyNoPending, result.Reply)
}

func TestAgentLateAfterTimeout(t *testing.T) {
	h := newHarness(t, businessHours)
	ctx := context.Background()

	_, err := h.router.Route(ctx, clientEvent("wamid.1", "Oi"))
	require.NoError(t, err)

	h.clock.Advance(6 * time.Minute)
	sweeper := distribution.NewSweeper(h.engine, nil, distribution.SweeperConfig{}, nil)
	processed, err := sweeper.Sweep(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	result, err := h.router.Route(ctx, domain.InboundMessageEvent{FromChannelID: agentPhone, Text: "OK", ProviderMessageID: "wamid.late"})
	require.NoError(t, err)
	assert.Equal(t, KindSalesMessageNoPendingLead, result.Kind)
	assert.Equal(t, distribution.AckLateTimeout, result.Reason)
	assert.Equal(t, distribution.ReplyLateTimeout, result.Reply)
}

func TestRouteRejectsEmptySender(t *testing.T) {
	h := newHarness(t, businessHours)
	_, err := h.router.Route(context.Background(), domain.InboundMessageEvent{FromChannelID: "  ", Text: "oi"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
