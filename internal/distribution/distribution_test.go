package distribution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *repository.MemoryStore
	clock    *schedule.ManualClock
	recorder *channel.Recorder
	engine   *Engine
	sweeper  *Sweeper
}

var roster = []domain.SalesAgent{
	{ID: "A", Name: "Alice", Phone: "+5511900000001", Active: true},
	{ID: "B", Name: "Bruno", Phone: "+5511900000002", Active: true},
	{ID: "C", Name: "Carla", Phone: "+5511900000003", Active: true},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repository.NewMemoryStore()
	clock := schedule.NewManualClock(t0)
	recorder := channel.NewRecorder()

	err := store.InTx(context.Background(), func(tx repository.Tx) error {
		for i := range roster {
			agent := roster[i]
			if err := tx.SaveAgent(context.Background(), &agent); err != nil {
				return err
			}
			if err := tx.SaveQueueEntry(context.Background(), domain.QueueEntry{SalesID: agent.ID, Order: i + 1, Active: true}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	engine := NewEngine(Dependencies{Store: store, Channel: recorder, Clock: clock})
	return &fixture{
		store:    store,
		clock:    clock,
		recorder: recorder,
		engine:   engine,
		sweeper:  NewSweeper(engine, nil, SweeperConfig{Interval: 30 * time.Second, BatchLimit: 10}, nil),
	}
}

func (f *fixture) createLead(t *testing.T, id, phone string) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(tx repository.Tx) error {
		return tx.CreateLead(context.Background(), &domain.Lead{
			ID:         id,
			Phone:      phone,
			Name:       "Lead " + id,
			Status:     "new",
			FlowStatus: domain.FlowStatusOpen,
			CreatedAt:  f.clock.Now(),
		})
	})
	require.NoError(t, err)
}

func (f *fixture) lead(t *testing.T, id string) domain.Lead {
	t.Helper()
	var lead domain.Lead
	err := f.store.InTx(context.Background(), func(tx repository.Tx) error {
		found, err := tx.GetLead(context.Background(), id)
		if err != nil {
			return err
		}
		lead = *found
		return nil
	})
	require.NoError(t, err)
	return lead
}

func (f *fixture) activities(t *testing.T, leadID string) []domain.ActivityKind {
	t.Helper()
	kinds := make([]domain.ActivityKind, 0)
	err := f.store.InTx(context.Background(), func(tx repository.Tx) error {
		items, err := tx.ListActivities(context.Background(), leadID)
		for _, item := range items {
			kinds = append(kinds, item.Kind)
		}
		return err
	})
	require.NoError(t, err)
	return kinds
}

func (f *fixture) queueOrders(t *testing.T) map[string]int {
	t.Helper()
	entries, err := f.engine.Queue(context.Background())
	require.NoError(t, err)
	orders := make(map[string]int, len(entries))
	for _, entry := range entries {
		orders[entry.SalesID] = entry.Order
	}
	return orders
}

func waitingCount(state domain.CycleState) int {
	count := 0
	for _, attempt := range state.Attempts {
		if attempt.Status == domain.AttemptStatusWaitingOK {
			count++
		}
	}
	return count
}

func TestScenarioTimeoutThenClaimByNextAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")

	cycle, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusActive, cycle.Status)
	assert.Equal(t, 1, cycle.CurrentQueueOrder)

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	require.Len(t, state.Attempts, 1)
	assert.Equal(t, "A", state.Attempts[0].SalesID)
	assert.Equal(t, t0.Add(5*time.Minute), state.Attempts[0].AckDeadline)
	require.Len(t, f.recorder.MessagesTo(roster[0].Phone), 1)
	assert.Contains(t, f.recorder.MessagesTo(roster[0].Phone)[0].Body, "Responda *OK* em até 5 minutos")

	f.clock.Advance(5*time.Minute + time.Second)
	processed, err := f.sweeper.Sweep(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	state, err = f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	require.Len(t, state.Attempts, 2)
	assert.Equal(t, domain.AttemptStatusTimeout, state.Attempts[0].Status)
	assert.Equal(t, domain.CloseReasonAckTimeout, state.Attempts[0].CloseReason)
	assert.Equal(t, "B", state.Attempts[1].SalesID)
	assert.Equal(t, domain.AttemptStatusWaitingOK, state.Attempts[1].Status)
	assert.Equal(t, t0.Add(10*time.Minute+time.Second), state.Attempts[1].AckDeadline)

	f.clock.Advance(time.Minute + 59*time.Second)
	result, err := f.engine.Acknowledge(ctx, "L", "B", " OK ")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, AckAccepted, result.Reason)
	assert.True(t, result.Rotated)

	state, err = f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusAccepted, state.Cycle.Status)
	require.NotNil(t, state.Cycle.FinishedAt)
	assert.Equal(t, t0.Add(7*time.Minute), *state.Cycle.FinishedAt)

	lead := f.lead(t, "L")
	assert.Equal(t, domain.FlowStatusAssigned, lead.FlowStatus)
	assert.Equal(t, "B", lead.AssignedTo)
	assert.Equal(t, map[string]int{"A": 1, "C": 3, "B": 4}, f.queueOrders(t))

	assert.Equal(t, []domain.ActivityKind{
		domain.ActivityDistributionOffer,
		domain.ActivityAttemptTimeout,
		domain.ActivityDistributionOffer,
		domain.ActivityLeadAccepted,
	}, f.activities(t, "L"))
}

func TestTerminationExhaustsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")

	_, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)

	for i := 0; i < len(roster); i++ {
		state, err := f.engine.CycleState(ctx, "L")
		require.NoError(t, err)
		assert.LessOrEqual(t, waitingCount(state), 1)

		f.clock.Advance(5*time.Minute + time.Second)
		processed, err := f.sweeper.Sweep(ctx, f.clock.Now(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, processed)
	}

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusExhausted, state.Cycle.Status)
	assert.Len(t, state.Attempts, 3)
	assert.Zero(t, waitingCount(state))

	lead := f.lead(t, "L")
	assert.Equal(t, domain.FlowStatusOpen, lead.FlowStatus)
	assert.Empty(t, lead.AssignedTo)
	assert.Contains(t, f.activities(t, "L"), domain.ActivityDistributionExhausted)

	// An exhausted cycle is not restarted.
	again, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, state.Cycle.ID, again.ID)
	assert.Equal(t, domain.CycleStatusExhausted, again.Status)
}

func TestEnsureActiveCycleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")

	first, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)
	second, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	assert.Len(t, state.Attempts, 1)
	assert.Len(t, f.recorder.Messages(), 1)

	_, err = f.engine.EnsureActiveCycle(ctx, "missing")
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestExactlyOnceConcurrentAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")
	_, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)

	const callers = 8
	results := make([]AckResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.engine.Acknowledge(ctx, "L", "A", "ok")
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, result := range results {
		if result.Accepted {
			accepted++
			continue
		}
		assert.Equal(t, AckAlreadyAccepted, result.Reason)
	}
	assert.Equal(t, 1, accepted)

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusAccepted, state.Cycle.Status)

	kinds := f.activities(t, "L")
	acceptedEntries := 0
	for _, kind := range kinds {
		if kind == domain.ActivityLeadAccepted {
			acceptedEntries++
		}
	}
	assert.Equal(t, 1, acceptedEntries)
}

func TestSweepRacingAcknowledgeHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")
	_, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	var (
		wg     sync.WaitGroup
		result AckResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.sweeper.Sweep(ctx, f.clock.Now(), 10)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		var err error
		result, err = f.engine.Acknowledge(ctx, "L", "A", "ok")
		assert.NoError(t, err)
	}()
	wg.Wait()

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	first := state.Attempts[0]
	if result.Accepted {
		assert.Equal(t, domain.AttemptStatusAccepted, first.Status)
		assert.Equal(t, domain.CycleStatusAccepted, state.Cycle.Status)
		assert.Len(t, state.Attempts, 1)
		return
	}
	assert.Equal(t, AckLateTimeout, result.Reason)
	assert.Equal(t, domain.AttemptStatusTimeout, first.Status)
	assert.Equal(t, 1, waitingCount(state))
}

func TestAcknowledgeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")
	_, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)

	result, err := f.engine.Acknowledge(ctx, "L", "A", "sim, quero")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, AckInvalidText, result.Reason)

	result, err = f.engine.Acknowledge(ctx, "L", "C", "ok")
	require.NoError(t, err)
	assert.Equal(t, AckNoPending, result.Reason)

	f.clock.Advance(6 * time.Minute)
	_, err = f.sweeper.Sweep(ctx, f.clock.Now(), 10)
	require.NoError(t, err)

	result, err = f.engine.Acknowledge(ctx, "L", "A", "OK")
	require.NoError(t, err)
	assert.Equal(t, AckLateTimeout, result.Reason)
	assert.Equal(t, ReplyLateTimeout, ReplyForReason(result.Reason))

	result, err = f.engine.Acknowledge(ctx, "L", "B", "ok")
	require.NoError(t, err)
	require.True(t, result.Accepted)

	result, err = f.engine.Acknowledge(ctx, "L", "B", "ok")
	require.NoError(t, err)
	assert.Equal(t, AckAlreadyAccepted, result.Reason)
}

func TestReasonForAttempt(t *testing.T) {
	cases := []struct {
		attempt domain.DistributionAttempt
		want    AckReason
	}{
		{domain.DistributionAttempt{Status: domain.AttemptStatusAccepted}, AckAlreadyAccepted},
		{domain.DistributionAttempt{Status: domain.AttemptStatusTimeout, CloseReason: domain.CloseReasonAckTimeout}, AckLateTimeout},
		{domain.DistributionAttempt{Status: domain.AttemptStatusClosed, CloseReason: domain.CloseReasonAcceptedByOther}, AckAcceptedByOther},
		{domain.DistributionAttempt{Status: domain.AttemptStatusClosed, CloseReason: domain.CloseReasonManualStop}, AckCycleClosed},
		{domain.DistributionAttempt{Status: domain.AttemptStatusWaitingOK}, AckNoPending},
	}
	for _, tc := range cases {
		attempt := tc.attempt
		assert.Equal(t, tc.want, ReasonForAttempt(&attempt))
	}
	assert.Equal(t, ReplyAcceptedByOther, ReplyForReason(AckAcceptedByOther))
	assert.Equal(t, ReplyNoPending, ReplyForReason(AckNoPending))
}

func TestRolloverClosesAttemptOfFinishedCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")

	err := f.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.CreateCycle(ctx, &domain.DistributionCycle{
			ID: "cycle-1", LeadID: "L", Status: domain.CycleStatusAccepted, CurrentQueueOrder: 1, StartedAt: t0,
		}); err != nil {
			return err
		}
		return tx.CreateAttempt(ctx, &domain.DistributionAttempt{
			ID: "stale", CycleID: "cycle-1", LeadID: "L", SalesID: "A", QueueOrder: 1,
			Status: domain.AttemptStatusWaitingOK, AssignedAt: t0, AckDeadline: t0.Add(5 * time.Minute),
		})
	})
	require.NoError(t, err)

	result, err := f.engine.Rollover(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, RolloverCycleClosed, result.Outcome)

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	require.Len(t, state.Attempts, 1)
	assert.Equal(t, domain.AttemptStatusClosed, state.Attempts[0].Status)
	assert.Equal(t, domain.CloseReasonCycleClosed, state.Attempts[0].CloseReason)

	result, err = f.engine.Rollover(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, RolloverAlreadyHandled, result.Outcome)
}

func TestStopAllReleasesActiveCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L1", "+5511988880001")
	f.createLead(t, "L2", "+5511988880002")
	f.createLead(t, "L3", "+5511988880003")

	for _, id := range []string{"L1", "L2", "L3"} {
		_, err := f.engine.EnsureActiveCycle(ctx, id)
		require.NoError(t, err)
	}
	_, err := f.engine.Acknowledge(ctx, "L3", "A", "ok")
	require.NoError(t, err)

	stopped, err := f.engine.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)

	for _, id := range []string{"L1", "L2"} {
		state, err := f.engine.CycleState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.CycleStatusStopped, state.Cycle.Status)
		require.Len(t, state.Attempts, 1)
		assert.Equal(t, domain.AttemptStatusClosed, state.Attempts[0].Status)
		assert.Equal(t, domain.CloseReasonManualStop, state.Attempts[0].CloseReason)

		lead := f.lead(t, id)
		assert.Equal(t, domain.FlowStatusOpen, lead.FlowStatus)
		assert.Empty(t, lead.AssignedTo)
		assert.Contains(t, f.activities(t, id), domain.ActivityManualStop)
	}

	state, err := f.engine.CycleState(ctx, "L3")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusAccepted, state.Cycle.Status)

	stopped, err = f.engine.StopAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, stopped)
}

func TestOfferSendFailureKeepsAttemptWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")
	f.recorder.FailNext(roster[0].Phone, 1)

	_, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	require.Len(t, state.Attempts, 1)
	assert.Equal(t, domain.AttemptStatusWaitingOK, state.Attempts[0].Status)
	assert.Equal(t, t0.Add(5*time.Minute), state.Attempts[0].AckDeadline)
	assert.Equal(t, []domain.ActivityKind{
		domain.ActivityDistributionOffer,
		domain.ActivityOfferSendFailed,
	}, f.activities(t, "L"))
}

func TestOfferSkipsInactiveAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")

	err := f.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.SaveQueueEntry(ctx, domain.QueueEntry{SalesID: "A", Order: 1, Active: false})
	})
	require.NoError(t, err)

	_, err = f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	require.Len(t, state.Attempts, 1)
	assert.Equal(t, "B", state.Attempts[0].SalesID)
	assert.Equal(t, 2, state.Cycle.CurrentQueueOrder)
}

func TestCycleStateWithoutCycle(t *testing.T) {
	f := newFixture(t)
	f.createLead(t, "L", "+5511988887777")

	state, err := f.engine.CycleState(context.Background(), "L")
	require.NoError(t, err)
	assert.Nil(t, state.Cycle)
	assert.Empty(t, state.Attempts)
}

func TestRotateToTail(t *testing.T) {
	f := newFixture(t)
	rotator := NewRotator(f.store, nil)

	rotated, err := rotator.RotateToTail(context.Background(), "B")
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, map[string]int{"A": 1, "C": 3, "B": 4}, f.queueOrders(t))

	rotated, err = rotator.RotateToTail(context.Background(), "B")
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, map[string]int{"A": 1, "C": 3, "B": 4}, f.queueOrders(t))

	rotated, err = rotator.RotateToTail(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestSweeperLoopRollsOverOnSchedule(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.createLead(t, "L", "+5511988887777")
	_, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)

	f.sweeper.Start(ctx)
	assert.True(t, f.sweeper.Running())

	f.clock.Advance(4 * time.Minute)
	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	assert.Len(t, state.Attempts, 1)

	f.clock.Advance(time.Minute)
	state, err = f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	require.Len(t, state.Attempts, 2)
	assert.Equal(t, domain.AttemptStatusTimeout, state.Attempts[0].Status)

	f.sweeper.Stop()
	assert.False(t, f.sweeper.Running())
	assert.Zero(t, f.clock.Pending())
}

type deniedLease struct{}

func (deniedLease) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestSweeperTickSkipsWithoutLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLead(t, "L", "+5511988887777")
	_, err := f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)

	sweeper := NewSweeper(f.engine, deniedLease{}, SweeperConfig{}, nil)
	f.clock.Advance(10 * time.Minute)
	sweeper.Tick(ctx)

	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	assert.Len(t, state.Attempts, 1)
	assert.Equal(t, domain.AttemptStatusWaitingOK, state.Attempts[0].Status)
}

func TestWindowIsOpen(t *testing.T) {
	at := func(hour, minute int) time.Time {
		return time.Date(2025, 3, 10, hour, minute, 0, 0, time.UTC)
	}

	day := Window{Start: 8 * 60, End: 18 * 60, Location: time.UTC}
	assert.True(t, day.IsOpen(at(8, 0)))
	assert.True(t, day.IsOpen(at(18, 0)))
	assert.False(t, day.IsOpen(at(18, 1)))
	assert.False(t, day.IsOpen(at(7, 59)))

	night := Window{Start: 22 * 60, End: 6 * 60, Location: time.UTC}
	assert.True(t, night.IsOpen(at(23, 0)))
	assert.True(t, night.IsOpen(at(5, 59)))
	assert.False(t, night.IsOpen(at(12, 0)))
	assert.Equal(t, domain.FlowStatusHold, night.InitialFlowStatus(at(12, 0)))
	assert.Equal(t, domain.FlowStatusOpen, night.InitialFlowStatus(at(22, 0)))
}

func TestWindowFromSettingsTimezone(t *testing.T) {
	settings := domain.DefaultSystemSettings()
	window := WindowFromSettings(settings)

	// São Paulo is UTC-3.
	assert.True(t, window.IsOpen(time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)))
	assert.False(t, window.IsOpen(time.Date(2025, 3, 10, 10, 59, 0, 0, time.UTC)))

	settings.Timezone = "Mars/Olympus_Mons"
	fallback := WindowFromSettings(settings)
	assert.Equal(t, time.UTC, fallback.Location)
	assert.True(t, fallback.IsOpen(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)))
}

func TestUpdateSettingsValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invalid := []SettingsUpdate{
		{AckTimeoutMinutes: intPtr(7)},
		{OperationalStartMinute: intPtr(-1)},
		{OperationalEndMinute: intPtr(1440)},
		{Timezone: strPtr("Nowhere/City")},
	}
	for _, update := range invalid {
		_, err := f.engine.UpdateSettings(ctx, update)
		assert.ErrorIs(t, err, ErrInvalidSettings)
	}

	updated, err := f.engine.UpdateSettings(ctx, SettingsUpdate{AckTimeoutMinutes: intPtr(10), Timezone: strPtr("UTC")})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.AckTimeoutMinutes)
	assert.Equal(t, 8*60, updated.OperationalStartMinute)

	stored, err := f.engine.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, updated, stored)

	f.createLead(t, "L", "+5511988887777")
	_, err = f.engine.EnsureActiveCycle(ctx, "L")
	require.NoError(t, err)
	state, err := f.engine.CycleState(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute), state.Attempts[0].AckDeadline)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

// lockFailingStore refuses to lock one lead, as a row held by a stuck session would.
type lockFailingStore struct {
	repository.Store
	leadID string
}

func (s *lockFailingStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.InTx(ctx, func(tx repository.Tx) error {
		return fn(&lockFailingTx{Tx: tx, leadID: s.leadID})
	})
}

type lockFailingTx struct {
	repository.Tx
	leadID string
}

func (tx *lockFailingTx) LockLead(ctx context.Context, leadID string) (*domain.Lead, error) {
	if leadID == tx.leadID {
		return nil, errors.New("lock timeout")
	}
	return tx.Tx.LockLead(ctx, leadID)
}

func TestSweepHonorsLimitOrderAndIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"l1", "l2", "l3", "l4"} {
		f.createLead(t, id, "+55119880000"+id[1:])
		_, err := f.engine.EnsureActiveCycle(ctx, id)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
	f.clock.Advance(30 * time.Minute)

	engine := NewEngine(Dependencies{Store: &lockFailingStore{Store: f.store, leadID: "l2"}, Channel: f.recorder, Clock: f.clock})
	sweeper := NewSweeper(engine, nil, SweeperConfig{BatchLimit: 10}, nil)

	processed, err := sweeper.Sweep(ctx, f.clock.Now(), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	offeredTo := func(leadID string) []string {
		state, err := f.engine.CycleState(ctx, leadID)
		require.NoError(t, err)
		agents := make([]string, 0, len(state.Attempts))
		for _, attempt := range state.Attempts {
			agents = append(agents, attempt.SalesID+":"+string(attempt.Status))
		}
		return agents
	}
	assert.ElementsMatch(t, []string{"A:timeout", "B:waiting_ok"}, offeredTo("l1"))
	assert.ElementsMatch(t, []string{"A:waiting_ok"}, offeredTo("l2"))
	assert.ElementsMatch(t, []string{"A:timeout", "B:waiting_ok"}, offeredTo("l3"))
	assert.ElementsMatch(t, []string{"A:waiting_ok"}, offeredTo("l4"), "newest deadline is beyond the batch limit")

	assert.Contains(t, f.activities(t, "l2"), domain.ActivitySweepError)
	assert.NotContains(t, f.activities(t, "l4"), domain.ActivityAttemptTimeout)

	processed, err = sweeper.Sweep(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.ElementsMatch(t, []string{"A:timeout", "B:waiting_ok"}, offeredTo("l4"))
	assert.ElementsMatch(t, []string{"A:waiting_ok"}, offeredTo("l2"))
}
